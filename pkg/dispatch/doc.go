// Package dispatch runs inbound events through an ordered list of handlers.
//
// A handler has three independent parts: an optional Rule, an optional
// PreHandle and the main Handle. For every event the pipeline walks the
// handlers in registration order. A failing rule skips only its own
// handler. PreHandle and Handle operate on a private copy of the event, so
// a handler that strips a command prefix never changes what later handlers
// see. A handler stops the walk by calling Session.Stop.
//
//	pipeline := dispatch.NewPipeline(logger)
//	pipeline.Register(dispatch.OnCommand("/echo", func(ctx context.Context, s *dispatch.Session) error {
//		_, err := s.ReplyText(ctx, s.Text())
//		return err
//	}).Build())
package dispatch

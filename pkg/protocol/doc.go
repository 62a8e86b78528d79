// Package protocol defines the OneBot-style message model shared by the
// Application and Implementation roles.
//
// Three frame kinds travel over every transport:
//   - Action: application -> implementation, {"action", "params", "echo", "self"}
//   - Response: implementation -> application, {"status", "retcode", "data", "message", "echo"}
//   - Event: implementation -> application, {"id", "time", "type", "detail_type", "sub_type", "self", ...}
//
// Event content is a closed sum type keyed by the "type" discriminator with an
// UnknownContent fallback that keeps the raw payload, so extension events
// survive a decode/encode round trip.
//
// Usage:
//
//	frame, err := protocol.Decode(data)
//	if err != nil {
//		return err
//	}
//	switch frame.Kind {
//	case protocol.FrameEvent:
//		handleEvent(frame.Event)
//	case protocol.FrameResponse:
//		resolve(frame.Response)
//	}
package protocol

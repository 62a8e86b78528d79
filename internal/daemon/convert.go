package daemon

import (
	"fmt"
	"time"

	"github.com/harun/onebot/internal/config"
	"github.com/harun/onebot/pkg/app"
	"github.com/harun/onebot/pkg/bot"
	"github.com/harun/onebot/pkg/impl"
	"github.com/harun/onebot/pkg/protocol"
	"github.com/harun/onebot/pkg/transport"
	"github.com/rs/zerolog"
)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// AppConfig converts the app section of cfg into a runtime config.
func AppConfig(cfg *config.Config, logger zerolog.Logger) (app.Config, error) {
	policy, err := bot.ParsePolicy(cfg.App.DuplicatePolicy)
	if err != nil {
		return app.Config{}, err
	}

	out := app.Config{
		Policy:      policy,
		CallTimeout: seconds(cfg.App.CallTimeout),
		DedupTTL:    seconds(cfg.App.DedupTTL),
		Concurrency: cfg.App.Concurrency,
		Logger:      logger,
	}

	for _, wc := range cfg.App.WSClients {
		out.WSClients = append(out.WSClients, app.WSClientConfig{
			URL:               wc.URL,
			AccessToken:       wc.AccessToken,
			ReconnectInterval: seconds(wc.ReconnectInterval),
			HandshakeTimeout:  seconds(wc.HandshakeTimeout),
		})
	}
	for _, sc := range cfg.App.WSServers {
		out.WSServers = append(out.WSServers, transport.WSServerConfig{
			Host:        sc.Host,
			Port:        sc.Port,
			Path:        sc.Path,
			AccessToken: sc.AccessToken,
			RateLimit:   sc.RateLimit,
		})
	}
	for i, hc := range cfg.App.HTTPClients {
		if hc.Platform == "" || hc.SelfID == "" {
			return app.Config{}, fmt.Errorf("app.http_clients[%d]: platform and self_id are required", i)
		}
		out.HTTPClients = append(out.HTTPClients, transport.HTTPClientConfig{
			URL:          hc.URL,
			AccessToken:  hc.AccessToken,
			Timeout:      seconds(hc.Timeout),
			Key:          protocol.BotKey{Platform: hc.Platform, SelfID: hc.SelfID},
			PollInterval: millis(hc.PollInterval),
			PollLimit:    int64(hc.PollLimit),
		})
	}
	for _, wc := range cfg.App.WebhookServers {
		out.WebhookServers = append(out.WebhookServers, transport.WebhookServerConfig{
			Host:        wc.Host,
			Port:        wc.Port,
			Path:        wc.Path,
			AccessToken: wc.AccessToken,
			Secret:      wc.Secret,
			ActionURL:   wc.ActionURL,
			RateLimit:   wc.RateLimit,
		})
	}
	return out, nil
}

// ImplConfig converts the impl section of cfg into a runtime config.
func ImplConfig(cfg *config.Config, logger zerolog.Logger) impl.Config {
	ic := cfg.Impl
	out := impl.Config{
		Platform:          ic.Platform,
		SelfID:            ic.SelfID,
		Impl:              ic.ImplName,
		Version:           ic.Version,
		HeartbeatInterval: millis(ic.HeartbeatInterval),
		EventBuffer:       ic.EventBuffer,
		Logger:            logger,
	}

	for _, sc := range ic.WSServers {
		out.WSServers = append(out.WSServers, transport.WSServerConfig{
			Host:        sc.Host,
			Port:        sc.Port,
			Path:        sc.Path,
			AccessToken: sc.AccessToken,
			RateLimit:   sc.RateLimit,
		})
	}
	for _, wc := range ic.WSClients {
		out.WSClients = append(out.WSClients, impl.WSClientConfig{
			URL:               wc.URL,
			AccessToken:       wc.AccessToken,
			ReconnectInterval: seconds(wc.ReconnectInterval),
			HandshakeTimeout:  seconds(wc.HandshakeTimeout),
		})
	}
	for _, sc := range ic.HTTPServers {
		out.HTTPServers = append(out.HTTPServers, transport.HTTPServerConfig{
			Host:        sc.Host,
			Port:        sc.Port,
			Path:        sc.Path,
			AccessToken: sc.AccessToken,
			RateLimit:   sc.RateLimit,
		})
	}
	for _, wc := range ic.Webhooks {
		out.Webhooks = append(out.Webhooks, transport.WebhookClientConfig{
			URL:         wc.URL,
			AccessToken: wc.AccessToken,
			Secret:      wc.Secret,
			Timeout:     seconds(wc.Timeout),
		})
	}
	return out
}

package smartclip

import "log/slog"

type options struct {
	configPath string
	logger     *slog.Logger
}

// Option configures a Session.
type Option func(*options)

// WithConfigPath sets the config file location. A missing file starts from
// built-in defaults; credential refreshes are written back here.
func WithConfigPath(path string) Option {
	return func(o *options) {
		o.configPath = path
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		o.logger = log
	}
}

func defaultOptions() options {
	return options{
		configPath: "smartclip.json",
		logger:     slog.Default(),
	}
}

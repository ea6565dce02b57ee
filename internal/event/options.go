package event

// ConnectOption configures a single connection.
type ConnectOption func(*connectConfig)

type connectConfig struct {
	mode    Mode
	weak    bool
	weakSet bool
	oneShot bool
	conv    Convention
	convSet bool
}

// WithMode requests a delivery mode. The default is ModeAuto.
func WithMode(m Mode) ConnectOption {
	return func(c *connectConfig) {
		c.mode = m
	}
}

// WithWeak overrides the owner's weak default. A weak connection does not
// keep its receiver alive and disappears once the receiver is collected.
// It has no effect on handlers without a receiver.
func WithWeak(weak bool) ConnectOption {
	return func(c *connectConfig) {
		c.weak = weak
		c.weakSet = true
	}
}

// OneShot removes the connection after its first dispatch.
func OneShot() ConnectOption {
	return func(c *connectConfig) {
		c.oneShot = true
	}
}

// Suspending marks the handler as suspending: it always runs as a task on
// a loop, never inline.
func Suspending() ConnectOption {
	return func(c *connectConfig) {
		c.conv = ConvSuspending
		c.convSet = true
	}
}

func buildConnectConfig(opts []ConnectOption) (connectConfig, error) {
	var cfg connectConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.mode.Valid() {
		return cfg, ErrInvalidMode
	}
	return cfg, nil
}

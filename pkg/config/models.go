package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Tracking  TrackingConfig
	Store     StoreConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	// IdleTimeout doubles as the session inactivity window: a connection
	// that produces no traffic within it is treated as disconnected.
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`
}

// TrackingConfig holds the open design parameters of the tracking core.
type TrackingConfig struct {
	// CorridorToleranceMeters is the half-width of the deviation corridor.
	CorridorToleranceMeters float64 `mapstructure:"corridorToleranceMeters"`
	// OvershootMarginMeters is how far past the meeting point a member may
	// travel before counting as deviated.
	OvershootMarginMeters float64 `mapstructure:"overshootMarginMeters"`
	// HistoryWindow is the number of recent samples used for ETA estimation.
	HistoryWindow int `mapstructure:"historyWindow"`
	// MinSpeedMetersPerSec is the average-speed floor below which no ETA is
	// produced.
	MinSpeedMetersPerSec float64 `mapstructure:"minSpeedMetersPerSec"`
	// CheckpointInterval is how often live member state is written back to
	// the durable store. Zero disables periodic checkpoints.
	CheckpointInterval time.Duration `mapstructure:"checkpointInterval"`
}

type StoreConfig struct {
	Path string
}

type LogConfig struct {
	Level string
}

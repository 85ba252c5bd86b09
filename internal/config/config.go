package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	LogLevel     string `yaml:"log-level" env-default:"info"`
	HTTPPort     string `yaml:"http-port" env-default:"9090"`
	SocketPort   string `yaml:"socket-port" env-default:"8080"`
	Redis        Redis  `yaml:"redis"`
	Game         Game   `yaml:"game"`
	JWTSecretKey string `yaml:"jwt-secret-key"`
}

type Redis struct {
	Host string `yaml:"host" env-default:"localhost"`
	Port string `yaml:"port" env-default:"6379"`
}

// Game tunes the arbiter. TurnTimeout is how long the current player gets
// before a draw is forced on them; GraceDelay is the pause before each forced
// draw for a player who left the match mid-game.
type Game struct {
	TurnTimeout time.Duration `yaml:"turn-timeout" env-default:"60s"`
	GraceDelay  time.Duration `yaml:"grace-delay" env-default:"1s"`
}

// MustLoad - load all configurations in config.yml file.
func MustLoad(path string) *Config {
	config := &Config{}

	if err := cleanenv.ReadConfig(path, config); err != nil {
		panic(fmt.Errorf("unable to load config file: %w", err))
	}

	return config
}

func (that *Redis) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", that.Host, that.Port)
}

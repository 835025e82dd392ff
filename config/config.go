package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	RockBlock RockBlockConfig `yaml:"rockblock"`
	Mailboxes MailboxesConfig `yaml:"mailboxes"`
	GPIO      GPIOConfig      `yaml:"gpio"`
	Server    ServerConfig    `yaml:"server"`
	Logs      LogsConfig      `yaml:"logs"`
}

type RockBlockConfig struct {
	// Device is the modem serial device; empty means probe for it.
	Device              string        `yaml:"device"`
	SignalCheckInterval time.Duration `yaml:"signal_check_interval"`
}

type MailboxesConfig struct {
	Root      string `yaml:"root"`
	LocalUser string `yaml:"local_user"`
}

// GPIOConfig uses BCM line offsets; the defaults correspond to board pins
// 12 (ring), 22/24/26 (RGB) and 16 (pending).
type GPIOConfig struct {
	Chip       string `yaml:"chip"`
	RingPin    int    `yaml:"ring_pin"`
	RedPin     int    `yaml:"red_pin"`
	GreenPin   int    `yaml:"green_pin"`
	BluePin    int    `yaml:"blue_pin"`
	PendingPin int    `yaml:"pending_pin"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogsConfig struct {
	// Path of the log directory; empty logs to stderr only.
	Path string `yaml:"path"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		RockBlock: RockBlockConfig{
			SignalCheckInterval: 5 * time.Minute,
		},
		Mailboxes: MailboxesConfig{
			Root:      "/var/opt/pr-holonet/mailboxes",
			LocalUser: "local",
		},
		GPIO: GPIOConfig{
			Chip:       "gpiochip0",
			RingPin:    18,
			RedPin:     25,
			GreenPin:   8,
			BluePin:    7,
			PendingPin: 23,
		},
		Server: ServerConfig{
			Port: 8080,
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

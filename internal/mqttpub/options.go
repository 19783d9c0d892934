package mqttpub

import (
	"crypto/tls"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second

	// milliseconds
	defaultDisconnectQuiesce = 500

	defaultKeepAlive     = 60 * time.Second
	defaultRetryInterval = 5 * time.Second
	maxReconnectInterval = 2 * time.Minute

	qos byte = 1
)

// Config holds the broker settings
type Config struct {
	Broker      string // tcp://host:1883, ssl://host:8883 or ws://host/mqtt
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "tuyalan"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	c.TopicPrefix = strings.TrimSuffix(c.TopicPrefix, "/")
	return c
}

// buildClientOptions creates the paho options. The will marks the bridge
// offline when it drops off without a clean disconnect.
func buildClientOptions(cfg Config, topics Topics) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// subscriptions are restored by the connect handler
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(defaultRetryInterval)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if strings.HasPrefix(cfg.Broker, "ssl://") || strings.HasPrefix(cfg.Broker, "tls://") ||
		strings.HasPrefix(cfg.Broker, "wss://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetWill(topics.Status(), Offline, qos, true)
	return opts
}

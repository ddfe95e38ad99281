package queue

import "time"

// Config holds broker topology and consumer settings.
type Config struct {
	Exchange          string        `mapstructure:"exchange"`
	Queue             string        `mapstructure:"queue"`
	RoutingKey        string        `mapstructure:"routing_key"`
	DeadLetterQueue   string        `mapstructure:"dead_letter_queue"`
	Prefetch          int           `mapstructure:"prefetch"`
	ConsumerTag       string        `mapstructure:"consumer_tag"`
	ConnectAttempts   int           `mapstructure:"connect_attempts"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// DefaultConfig returns the production topology.
func DefaultConfig() Config {
	return Config{
		Exchange:          "notifications.direct",
		Queue:             "email.queue",
		RoutingKey:        "email.queue",
		DeadLetterQueue:   "failed.queue",
		Prefetch:          10,
		ConsumerTag:       "email-worker",
		ConnectAttempts:   5,
		ConnectRetryDelay: 5 * time.Second,
	}
}

package amqpconsumer

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ConnectionParams are the resolved broker coordinates for one connection.
type ConnectionParams struct {
	Scheme      string
	Host        string
	Port        int
	Username    string
	Password    string
	VirtualHost string
}

// URL renders the params as an AMQP URI.
func (p ConnectionParams) URL() string {
	return amqp.URI{
		Scheme:   p.Scheme,
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Password: p.Password,
		Vhost:    p.VirtualHost,
	}.String()
}

// Redacted renders the URI without the password, for logging.
func (p ConnectionParams) Redacted() string {
	if p.Password != "" {
		p.Password = "xxxxx"
	}
	return p.URL()
}

// Channel is the subset of *amqp.Channel used by the bridge and the poller.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyCancel(c chan string) chan string
	Ack(tag uint64, multiple bool) error
	Cancel(consumer string, noWait bool) error
	Close() error
	IsClosed() bool
}

// Connection is a live broker connection that can open channels.
type Connection interface {
	Channel() (Channel, error)
	Close() error
	IsClosed() bool
}

// ConnectionFactory yields a live Connection for the given params.
type ConnectionFactory interface {
	NewConnection(ctx context.Context, params ConnectionParams) (Connection, error)
}

// DialerFactory is the production ConnectionFactory backed by amqp091-go.
type DialerFactory struct {
	// ConnectionName is announced to the broker as the client connection name.
	ConnectionName string
	Heartbeat      time.Duration
	ConnectTimeout time.Duration
	// TLSConfig is used for amqps:// connections. Optional.
	TLSConfig *tls.Config
	logger    zerolog.Logger
}

// NewDialerFactory creates a DialerFactory with the timing settings from cfg.
func NewDialerFactory(cfg *Config, logger zerolog.Logger) *DialerFactory {
	return &DialerFactory{
		ConnectionName: cfg.ConsumerTag,
		Heartbeat:      cfg.Heartbeat,
		ConnectTimeout: cfg.ConnectTimeout,
		logger:         logger.With().Str("component", "DialerFactory").Logger(),
	}
}

// NewConnection dials the broker. ctx is checked once before dialing; an
// in-progress dial is bounded by ConnectTimeout, not by ctx.
func (f *DialerFactory) NewConnection(ctx context.Context, params ConnectionParams) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.logger.Debug().Str("url", params.Redacted()).Msg("Dialing AMQP broker.")
	conn, err := amqp.DialConfig(params.URL(), f.dialConfig(params))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", params.Redacted(), err)
	}
	return &amqpConnection{Connection: conn}, nil
}

func (f *DialerFactory) dialConfig(params ConnectionParams) amqp.Config {
	props := amqp.NewConnectionProperties()
	if f.ConnectionName != "" {
		props.SetClientConnectionName(f.ConnectionName)
	}
	return amqp.Config{
		Vhost:           params.VirtualHost,
		Heartbeat:       f.Heartbeat,
		TLSClientConfig: f.TLSConfig,
		Properties:      props,
		Dial:            amqp.DefaultDial(f.ConnectTimeout),
	}
}

// amqpConnection narrows *amqp.Connection to the Connection interface.
type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

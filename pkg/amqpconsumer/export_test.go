package amqpconsumer

import amqp "github.com/rabbitmq/amqp091-go"

// DialConfig exposes the amqp.Config a DialerFactory dials with.
func (f *DialerFactory) DialConfig(params ConnectionParams) amqp.Config {
	return f.dialConfig(params)
}

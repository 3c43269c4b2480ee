package health

import (
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// CheckAMQP dials the broker with the credentials embedded in url and
// reports the dial error, nil when the broker accepted the connection.
func CheckAMQP(url string) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return err
	}
	return conn.Close()
}

// IsAccessRefused reports whether err is the broker rejecting the
// configured credentials, as opposed to not answering at all.
func IsAccessRefused(err error) bool {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.AccessRefused
	}
	return false
}

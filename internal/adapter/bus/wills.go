package bus

import "github.com/pioreactor/pioreactor-go/internal/domain"

// StateWill is the last will every background job registers: the broker
// retains "lost" on the job's $state topic when the owning process dies.
func StateWill(unit, experiment, jobName string) Will {
	return Will{
		Topic:   domain.StateTopic(unit, experiment, jobName),
		Payload: []byte(domain.StateLost),
		QoS:     domain.ExactlyOnce,
		Retain:  true,
	}
}

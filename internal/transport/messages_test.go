package transport

import (
	"context"
	"testing"

	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopics(t *testing.T) {
	assert.Equal(t, "opc:deliver:printer-1", DeliveryTopic("printer-1"))
	assert.Equal(t, "opc:presence:printer-1", PresenceTopic("printer-1"))
}

func TestResultMessageValidate(t *testing.T) {
	for _, outcome := range []Outcome{OutcomeAck, OutcomeSuccess, OutcomeFailure} {
		assert.NoError(t, ResultMessage{Outcome: outcome}.Validate())
	}
	assert.Error(t, ResultMessage{Outcome: "printed-maybe"}.Validate())
}

func TestInmemBrokerNoSubscriber(t *testing.T) {
	b := NewInmemBroker()

	err := b.PublishDelivery(context.Background(), "printer-1", DeliveryMessage{JobID: uuid.New()})
	require.ErrorIs(t, err, types.ErrTransportUnavailable)

	ch := b.SubscribeDeliveries("printer-1")
	msg := DeliveryMessage{JobID: uuid.New(), OrderingKey: 7}
	require.NoError(t, b.PublishDelivery(context.Background(), "printer-1", msg))
	assert.Equal(t, msg, <-ch)

	b.UnsubscribeDeliveries("printer-1")
	err = b.PublishDelivery(context.Background(), "printer-1", DeliveryMessage{JobID: uuid.New()})
	require.ErrorIs(t, err, types.ErrTransportUnavailable)
}

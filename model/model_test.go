package model

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUUIDWithSuffix(t *testing.T) {
	module := "plog"
	id := GenerateUUIDWithSuffix(module)
	assert.Contains(t, id, module+"_")
}

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider("momo")
	require.NoError(t, err)
	assert.Equal(t, ProviderMomo, p)

	p, err = ParseProvider(" ZaloPay ")
	require.NoError(t, err)
	assert.Equal(t, ProviderZaloPay, p)

	_, err = ParseProvider("paypal")
	assert.Error(t, err)
}

func TestNewPaymentLog(t *testing.T) {
	log := NewPaymentLog(ProviderVNPay, "bk_1", decimal.NewFromInt(120000), nil)
	assert.Contains(t, log.LogID, "plog_")
	assert.Equal(t, StatusPending, log.Status)
	assert.Equal(t, StatusPending, log.Steps.UpdateBooking.Status)
	assert.Equal(t, StatusPending, log.Steps.SendMail.Status)
	assert.NotNil(t, log.RawData)
	assert.False(t, log.Settled())
}

func TestStep_NeverRegressesFromSuccess(t *testing.T) {
	var step Step
	require.NoError(t, step.MarkFailure(errors.New("db down")))
	assert.Equal(t, StatusFailed, step.Status)
	assert.Equal(t, 1, step.Attempts)
	require.NotNil(t, step.LastError)
	assert.Equal(t, "db down", *step.LastError)

	step.MarkSuccess()
	assert.Nil(t, step.LastError)
	assert.Equal(t, 2, step.Attempts)

	step.MarkSuccess()
	assert.Equal(t, 2, step.Attempts)

	err := step.MarkFailure(errors.New("late failure"))
	assert.ErrorIs(t, err, ErrStepRegression)
	assert.Equal(t, StatusSuccess, step.Status)
	assert.Equal(t, 2, step.Attempts)
}

func TestPaymentLog_Complete(t *testing.T) {
	log := NewPaymentLog(ProviderMomo, "bk_1", decimal.Zero, nil)
	assert.ErrorIs(t, log.Complete(), ErrIncompleteSteps)

	log.Steps.UpdateBooking.MarkSuccess()
	assert.ErrorIs(t, log.Complete(), ErrIncompleteSteps)

	log.Steps.SendMail.MarkSuccess()
	require.NoError(t, log.Complete())
	assert.Equal(t, StatusSuccess, log.Status)
}

func TestPaymentLog_CorrelationID(t *testing.T) {
	tests := []struct {
		provider Provider
		raw      map[string]interface{}
		want     string
	}{
		{ProviderMomo, map[string]interface{}{"orderId": "M1"}, "M1"},
		{ProviderZaloPay, map[string]interface{}{"app_trans_id": "241014_1"}, "241014_1"},
		{ProviderVNPay, map[string]interface{}{"vnp_TxnRef": "V9"}, "V9"},
		{ProviderVNPay, map[string]interface{}{}, ""},
	}
	for _, tt := range tests {
		log := NewPaymentLog(tt.provider, "bk", decimal.Zero, tt.raw)
		assert.Equal(t, tt.want, log.CorrelationID())
	}
}

func TestDecodeJob(t *testing.T) {
	var job PaymentJob
	require.NoError(t, DecodeJob([]byte(`{"logId":"plog_1"}`), &job))
	assert.Equal(t, "plog_1", job.LogID)

	err := DecodeJob([]byte(`{"logId":"plog_1","extra":true}`), &job)
	assert.Error(t, err)

	err = DecodeJob([]byte(`{}`), &PaymentJob{})
	assert.Error(t, err)

	err = DecodeJob([]byte(`not json`), &MailJob{})
	assert.Error(t, err)

	var notif NotificationJob
	require.NoError(t, DecodeJob([]byte(`{"notifId":"n1","receiverIds":["u1"],"type":"PAYMENT","title":"t","message":"m"}`), &notif))
	assert.Equal(t, []string{"u1"}, notif.ReceiverIDs)

	err = DecodeJob([]byte(`{"notifId":"n1","receiverIds":[],"type":"PAYMENT"}`), &NotificationJob{})
	assert.Error(t, err)
}

func TestDLQNaming(t *testing.T) {
	assert.Equal(t, "payment_queue.dlq", DLQName("payment_queue"))
	assert.Equal(t, "payment_queue", SourceQueue("payment_queue.dlq"))
	assert.Equal(t, "payment_queue", SourceQueue("payment_queue"))
	assert.True(t, IsDLQ("mail_queue.dlq"))
	assert.False(t, IsDLQ("mail_queue"))
}

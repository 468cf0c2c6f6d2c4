package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paySimSample = `step,type,amount,nameOrig,oldbalanceOrg,newbalanceOrig,nameDest,oldbalanceDest,newbalanceDest,isFraud,isFlaggedFraud
1,PAYMENT,9839.64,C1231006815,170136.0,160296.36,M1979787155,0.0,0.0,0,0
1,TRANSFER,181.0,C1305486145,181.0,0.0,C553264065,0.0,0.0,1,0
2,CASH_OUT,not-a-number,C840083671,181.0,0.0,C38997010,21182.0,0.0,1,0
3,PAYMENT,1864.28,C1666544295,21249.0,19384.72,M2044282225,0.0,0.0,0,0
`

func TestReadPaySimCSV(t *testing.T) {
	t.Run("SkipsMalformedRows", func(t *testing.T) {
		txs, err := readPaySimCSV(strings.NewReader(paySimSample), 0, false, 1)
		require.NoError(t, err)
		require.Len(t, txs, 3)

		assert.Equal(t, "C1305486145", txs[1].NameOrig)
		assert.True(t, txs[1].IsFraud)
		assert.Equal(t, 181.0, txs[1].Amount)
	})

	t.Run("FraudOnly", func(t *testing.T) {
		txs, err := readPaySimCSV(strings.NewReader(paySimSample), 0, true, 1)
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, "TRANSFER", txs[0].Type)
	})

	t.Run("Limit", func(t *testing.T) {
		txs, err := readPaySimCSV(strings.NewReader(paySimSample), 2, false, 1)
		require.NoError(t, err)
		assert.Len(t, txs, 2)
	})

	t.Run("MissingColumn", func(t *testing.T) {
		_, err := readPaySimCSV(strings.NewReader("step,amount\n1,2\n"), 0, false, 1)
		assert.ErrorContains(t, err, "missing column")
	})
}

func TestPaySimRequest(t *testing.T) {
	req := PaySimTransaction{Step: 5, Type: "TRANSFER", Amount: 10, NameOrig: "C123", NameDest: "M9"}.Request()

	assert.Equal(t, "M9", req.MerchantID)
	assert.Equal(t, "c123@paysim.invalid", req.CustomerEmail)
	assert.Equal(t, "transfer", req.PaymentMethod)
	assert.Equal(t, paySimEpoch.Add(5*time.Hour), *req.CreatedAt)
}

func TestConfusion(t *testing.T) {
	m := &Confusion{}
	m.Add(true, true)
	m.Add(true, true)
	m.Add(true, false)
	m.Add(false, true)
	m.Add(false, false)

	assert.InDelta(t, 2.0/3.0, m.Precision(), 1e-9)
	assert.InDelta(t, 2.0/3.0, m.Recall(), 1e-9)
	assert.InDelta(t, 2.0/3.0, m.F1(), 1e-9)
	assert.InDelta(t, 0.6, m.Accuracy(), 1e-9)

	empty := &Confusion{}
	assert.Zero(t, empty.F1())
	assert.Zero(t, empty.Accuracy())
}

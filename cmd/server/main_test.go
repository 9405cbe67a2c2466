package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

func TestParseInvoice(t *testing.T) {
	got, err := parseInvoice("cust-1/inv-1")
	require.NoError(t, err)
	assert.Equal(t, &billing.InvoiceKey{CustomerID: "cust-1", InvoiceID: "inv-1"}, got)

	got, err = parseInvoice("")
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, bad := range []string{"cust-1", "/inv-1", "cust-1/"} {
		_, err := parseInvoice(bad)
		assert.Error(t, err, bad)
	}
}

package logging

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Field keys shared by every component that logs about a transfer.
const (
	KeyRequestID  = "request_id"
	KeyFrom       = "from_account"
	KeyTo         = "to_account"
	KeyAmount     = "amount"
	KeyTransferID = "transfer_id"
	KeyState      = "state"
	KeyReason     = "reason"
)

// Amount renders a fixed-point value with two decimal places.
func Amount(key string, v decimal.Decimal) zap.Field {
	return zap.String(key, v.StringFixed(2))
}

// TransferFields returns the identifying fields of a transfer attempt.
func TransferFields(requestID string, from, to int64, amount decimal.Decimal) []zap.Field {
	fields := []zap.Field{
		zap.Int64(KeyFrom, from),
		zap.Int64(KeyTo, to),
		Amount(KeyAmount, amount),
	}
	if requestID != "" {
		fields = append(fields, zap.String(KeyRequestID, requestID))
	}
	return fields
}

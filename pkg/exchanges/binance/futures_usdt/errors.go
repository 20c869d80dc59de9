package futures_usdt

import (
	"errors"

	bcommon "github.com/adshao/go-binance/v2/common"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

// Binance error codes the engine reacts to.
var codeKinds = map[int64]common.Kind{
	-1000: common.KindTransient, // unknown
	-1001: common.KindTransient, // disconnected
	-1006: common.KindTransient, // unexpected response
	-1007: common.KindTransient, // timeout
	-1008: common.KindTransient, // server busy
	-1021: common.KindTransient, // timestamp outside recvWindow
	-1003: common.KindRateLimit, // too many requests
	-1015: common.KindRateLimit, // too many orders

	-1022: common.KindAuth,
	-2014: common.KindAuth,
	-2015: common.KindAuth,

	-2011: common.KindExpectedAbsence, // cancel rejected: unknown order
	-2013: common.KindExpectedAbsence, // order does not exist

	-4046: common.KindNotModified, // no need to change margin type
	-4059: common.KindNotModified, // no need to change position side

	-1013: common.KindValidation, // filter failure
	-1111: common.KindValidation, // precision over maximum
	-1121: common.KindValidation, // invalid symbol
	-2021: common.KindValidation, // order would immediately trigger
	-4003: common.KindValidation, // quantity less than zero
	-4028: common.KindValidation, // leverage not valid
	-4164: common.KindValidation, // notional below minimum

	-2019: common.KindRejected, // margin insufficient
	-2022: common.KindRejected, // reduce-only rejected
	-4131: common.KindRejected, // counterparty best price exceeds PERCENT_PRICE
}

// classify converts a go-binance error into a typed venue error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *bcommon.APIError
	if errors.As(err, &apiErr) {
		kind, ok := codeKinds[apiErr.Code]
		if !ok {
			// code 0 is a non-JSON error body, usually a 5xx page
			if apiErr.Code == 0 {
				kind = common.KindTransient
			} else {
				kind = common.KindUnknown
			}
		}
		return &common.Error{Kind: kind, Venue: venueName, Op: op, Code: apiErr.Code, Msg: apiErr.Message, Err: err}
	}
	kind := common.KindOf(err)
	if kind == common.KindUnknown {
		return err
	}
	return common.NewError(kind, venueName, op, err)
}

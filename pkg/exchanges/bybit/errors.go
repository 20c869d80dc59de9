package bybit

import "github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"

// Bybit v5 retCodes the engine reacts to.
var retCodeKinds = map[int64]common.Kind{
	10000: common.KindTransient, // server timeout
	10002: common.KindTransient, // timestamp outside recv window
	10016: common.KindTransient, // server error
	10006: common.KindRateLimit, // too many visits
	10018: common.KindRateLimit, // ip rate limit

	10003: common.KindAuth,
	10004: common.KindAuth,
	10005: common.KindAuth,

	110001: common.KindExpectedAbsence, // order does not exist
	110008: common.KindExpectedAbsence, // order already finished
	110010: common.KindExpectedAbsence, // order already cancelled

	34040:  common.KindNotModified, // trading stop not modified
	110043: common.KindNotModified, // leverage not modified

	10001:  common.KindValidation, // parameter error
	110003: common.KindValidation, // price out of range
	110092: common.KindValidation, // trigger price invalid for rising direction
	110093: common.KindValidation, // trigger price invalid for falling direction
	110094: common.KindValidation, // order notional below minimum

	110004: common.KindRejected, // wallet balance insufficient
	110007: common.KindRejected, // available balance insufficient
	110017: common.KindRejected, // reduce-only would increase position
	110025: common.KindRejected, // position mode mismatch
}

func kindForRetCode(code int64) common.Kind {
	if k, ok := retCodeKinds[code]; ok {
		return k
	}
	return common.KindUnknown
}

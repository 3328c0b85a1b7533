package ptp

import "github.com/mtpusbd/mtpusbd/internal/mtperr"

// ResponseError converts a non-OK PTP response code into the
// corresponding mtperr value. Codes with no semantic mapping surface
// as a *mtperr.ProtocolError carrying the raw code.
func ResponseError(code uint16) error {
	switch code {
	case RespOK:
		return nil
	case RespInvalidStorageID:
		return mtperr.ErrObjectNotFound
	case RespInvalidObjectHandle:
		return mtperr.ErrObjectNotFound
	case RespStorageFull:
		return mtperr.ErrStorageFull
	case RespObjectWriteProtected:
		return mtperr.ErrWriteProtected
	case RespStoreReadOnly:
		return mtperr.ErrReadOnly
	case RespDeviceBusy:
		return mtperr.ErrBusy
	case RespSessionAlreadyOpen:
		return &mtperr.ProtocolError{Code: code, Msg: "session already open"}
	case RespInvalidParameter:
		return &mtperr.ProtocolError{Code: code, Msg: "invalid parameter"}
	case RespObjectTooLarge:
		return mtperr.ErrObjectTooLarge
	default:
		return &mtperr.ProtocolError{Code: code}
	}
}

package ptp

// Operation codes (subset needed by the operation table in spec.md §4.6).
const (
	OpGetDeviceInfo     uint16 = 0x1001
	OpOpenSession       uint16 = 0x1002
	OpCloseSession      uint16 = 0x1003
	OpGetStorageIDs     uint16 = 0x1004
	OpGetStorageInfo    uint16 = 0x1005
	OpGetNumObjects     uint16 = 0x1006
	OpGetObjectHandles  uint16 = 0x1007
	OpGetObjectInfo     uint16 = 0x1008
	OpGetObject         uint16 = 0x1009
	OpDeleteObject      uint16 = 0x100B
	OpSendObjectInfo    uint16 = 0x100C
	OpSendObject        uint16 = 0x100D
	OpGetPartialObject  uint16 = 0x101B
	OpMoveObject        uint16 = 0x1019
	OpCopyObject        uint16 = 0x101A
	OpGetObjPropsSupported uint16 = 0x9801
	OpGetObjPropDesc    uint16 = 0x9802
	OpSendPartialObject uint16 = 0x9803
	OpGetObjPropValue   uint16 = 0x9804
	OpGetObjPropList    uint16 = 0x9805
	OpGetPartialObject64 uint16 = 0x95C1
)

// PropObjectSize is the object property code carrying the 64-bit
// object size, used as a fallback when ObjectInfo's 32-bit
// ObjectCompressedSize field has saturated (spec.md §4.8 step 1).
const PropObjectSize uint32 = 0xDC04

// ObjectCompressedSizeUnknown32 is the ObjectInfo ObjectCompressedSize
// sentinel meaning "see the 64-bit ObjectSize property instead".
const ObjectCompressedSizeUnknown32 uint32 = 0xFFFFFFFF

// MTP association-type code, used to recognize folders in ObjectInfo.
const AssociationTypeFolder uint16 = 0x0001

// ObjectFormatAssociation is the ObjectFormat value PTP uses for
// folder/association objects.
const ObjectFormatAssociation uint16 = 0x3001

// Response codes. Only the subset spec.md §4.2 maps to semantic
// errors carries a name; everything else surfaces as ProtocolError.
const (
	RespOK                    uint16 = 0x2001
	RespGeneralError          uint16 = 0x2002
	RespDeviceBusy            uint16 = 0x2003
	RespInvalidTransactionID  uint16 = 0x2004
	RespInvalidStorageID      uint16 = 0x2005
	RespInvalidObjectHandle   uint16 = 0x2006
	RespStorageFull           uint16 = 0x200B
	RespObjectWriteProtected  uint16 = 0x200C
	RespStoreReadOnly         uint16 = 0x200E
	RespPartialDeletion       uint16 = 0x2012
	RespStoreNotAvailable     uint16 = 0x2013
	RespInvalidParameter      uint16 = 0x201D
	RespSessionAlreadyOpen    uint16 = 0x201E
	RespTransactionCancelled  uint16 = 0x201F
	RespObjectTooLarge        uint16 = 0x2021
)

// Event codes relevant to the facade's event stream (spec.md §4.6).
const (
	EventObjectAdded        uint16 = 0x4002
	EventObjectRemoved      uint16 = 0x4003
	EventStoreAdded         uint16 = 0x4004
	EventStoreRemoved       uint16 = 0x4005
	EventDeviceInfoChanged  uint16 = 0x4007
	EventStoreFull          uint16 = 0x400A
	EventDevicePropChanged  uint16 = 0x4006
	EventObjectInfoChanged  uint16 = 0x4009
)

// RespName returns a short mnemonic for a response code, or "" if it
// has no semantic mapping in this package.
func RespName(code uint16) string {
	switch code {
	case RespOK:
		return "OK"
	case RespGeneralError:
		return "GeneralError"
	case RespInvalidTransactionID:
		return "InvalidTransactionID"
	case RespInvalidStorageID:
		return "InvalidStorageID"
	case RespInvalidObjectHandle:
		return "InvalidObjectHandle"
	case RespDeviceBusy:
		return "DeviceBusy"
	case RespStorageFull:
		return "StorageFull"
	case RespObjectWriteProtected:
		return "ObjectWriteProtected"
	case RespStoreReadOnly:
		return "StoreReadOnly"
	case RespPartialDeletion:
		return "PartialDeletion"
	case RespStoreNotAvailable:
		return "StoreNotAvailable"
	case RespInvalidParameter:
		return "InvalidParameter"
	case RespSessionAlreadyOpen:
		return "SessionAlreadyOpen"
	case RespTransactionCancelled:
		return "TransactionCancelled"
	case RespObjectTooLarge:
		return "ObjectTooLarge"
	default:
		return ""
	}
}

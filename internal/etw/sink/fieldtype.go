package sink

// FieldType is the TraceLogging encoding of a field.
type FieldType uint8

const (
	TypeNone FieldType = iota
	TypeUtf16String
	TypeMbcsString
	TypeInt8
	TypeUInt8
	TypeInt16
	TypeUInt16
	TypeInt32
	TypeUInt32
	TypeInt64
	TypeUInt64
	TypeFloat
	TypeDouble
	TypeBool32
	TypeBinary
	TypeGUID
	TypeFileTime
	TypeSystemTime
	TypeSid
	TypeHexInt32
	TypeHexInt64
	TypeCountedUtf16String
	TypeCountedMbcsString
	TypeIntPtr
	TypeUIntPtr
	TypePointer
	TypeChar16
	TypeChar8
	TypeBool8
	TypeHexInt8
	TypeHexInt16
	TypePid
	TypeTid
	TypePort
	TypeIPv4
	TypeIPv6
	TypeSocketAddress
	TypeUtf16Xml
	TypeMbcsXml
	TypeUtf16Json
	TypeMbcsJson
	TypeCountedUtf16Xml
	TypeCountedMbcsXml
	TypeCountedUtf16Json
	TypeCountedMbcsJson
	TypeWin32Error
	TypeNTStatus
	TypeHResult
)

var fieldTypeNames = [...]string{
	TypeNone:               "none",
	TypeUtf16String:        "utf16string",
	TypeMbcsString:         "mbcsstring",
	TypeInt8:               "int8",
	TypeUInt8:              "uint8",
	TypeInt16:              "int16",
	TypeUInt16:             "uint16",
	TypeInt32:              "int32",
	TypeUInt32:             "uint32",
	TypeInt64:              "int64",
	TypeUInt64:             "uint64",
	TypeFloat:              "float",
	TypeDouble:             "double",
	TypeBool32:             "bool32",
	TypeBinary:             "binary",
	TypeGUID:               "guid",
	TypeFileTime:           "filetime",
	TypeSystemTime:         "systemtime",
	TypeSid:                "sid",
	TypeHexInt32:           "hexint32",
	TypeHexInt64:           "hexint64",
	TypeCountedUtf16String: "countedutf16string",
	TypeCountedMbcsString:  "countedmbcsstring",
	TypeIntPtr:             "intptr",
	TypeUIntPtr:            "uintptr",
	TypePointer:            "pointer",
	TypeChar16:             "char16",
	TypeChar8:              "char8",
	TypeBool8:              "bool8",
	TypeHexInt8:            "hexint8",
	TypeHexInt16:           "hexint16",
	TypePid:                "pid",
	TypeTid:                "tid",
	TypePort:               "port",
	TypeIPv4:               "ipv4",
	TypeIPv6:               "ipv6",
	TypeSocketAddress:      "socketaddress",
	TypeUtf16Xml:           "utf16xml",
	TypeMbcsXml:            "mbcsxml",
	TypeUtf16Json:          "utf16json",
	TypeMbcsJson:           "mbcsjson",
	TypeCountedUtf16Xml:    "countedutf16xml",
	TypeCountedMbcsXml:     "countedmbcsxml",
	TypeCountedUtf16Json:   "countedutf16json",
	TypeCountedMbcsJson:    "countedmbcsjson",
	TypeWin32Error:         "win32error",
	TypeNTStatus:           "ntstatus",
	TypeHResult:            "hresult",
}

func (t FieldType) String() string {
	if int(t) < len(fieldTypeNames) {
		return fieldTypeNames[t]
	}
	return "unknown"
}

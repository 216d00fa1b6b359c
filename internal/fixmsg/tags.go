package fixmsg

// FieldType is the declared FIX data type of a tag. The iterator only needs
// to distinguish data fields (whose length comes from the preceding
// length-prefix field) from everything else, but the full typing is kept so
// custom tags and application-level consumers can interrogate it.
type FieldType uint8

const (
	TypeInt FieldType = iota
	TypeLength
	TypeTagNum
	TypeSeqNum
	TypeNumInGroup
	TypeDayOfMonth
	TypeFloat
	TypeQty
	TypePrice
	TypePriceOffset
	TypeAmt
	TypePercentage
	TypeChar
	TypeBoolean
	TypeString
	TypeMultipleValueString
	TypeCountry
	TypeCurrency
	TypeExchange
	TypeMonthYear
	TypeUTCTimestamp
	TypeUTCTimeOnly
	TypeUTCDateOnly
	TypeLocalMktDate
	TypeData
	TypeLanguage
	TypeXMLData
)

// tagDef binds a tag number to its declared type.
type tagDef struct {
	tag int
	typ FieldType
}

// fix40Tags is the standard header, trailer and admin tag set as of FIX 4.0.
// Later versions extend this table; entries are never removed.
var fix40Tags = []tagDef{
	{1, TypeString},    // Account
	{6, TypePrice},     // AvgPx
	{7, TypeSeqNum},    // BeginSeqNo
	{8, TypeString},    // BeginString
	{9, TypeLength},    // BodyLength
	{10, TypeString},   // CheckSum
	{11, TypeString},   // ClOrdID
	{14, TypeQty},      // CumQty
	{15, TypeCurrency}, // Currency
	{16, TypeSeqNum},   // EndSeqNo
	{17, TypeString},   // ExecID
	{20, TypeChar},     // ExecTransType
	{21, TypeChar},     // HandlInst
	{22, TypeString},   // IDSource
	{31, TypePrice},    // LastPx
	{32, TypeQty},      // LastShares
	{34, TypeSeqNum},   // MsgSeqNum
	{35, TypeString},   // MsgType
	{36, TypeSeqNum},   // NewSeqNo
	{37, TypeString},   // OrderID
	{38, TypeQty},      // OrderQty
	{39, TypeChar},     // OrdStatus
	{40, TypeChar},     // OrdType
	{41, TypeString},   // OrigClOrdID
	{43, TypeBoolean},  // PossDupFlag
	{44, TypePrice},    // Price
	{45, TypeSeqNum},   // RefSeqNum
	{48, TypeString},   // SecurityID
	{49, TypeString},   // SenderCompID
	{50, TypeString},   // SenderSubID
	{52, TypeUTCTimestamp}, // SendingTime
	{54, TypeChar},     // Side
	{55, TypeString},   // Symbol
	{56, TypeString},   // TargetCompID
	{57, TypeString},   // TargetSubID
	{58, TypeString},   // Text
	{59, TypeChar},     // TimeInForce
	{60, TypeUTCTimestamp}, // TransactTime
	{89, TypeData},     // Signature
	{90, TypeLength},   // SecureDataLen
	{91, TypeData},     // SecureData
	{93, TypeLength},   // SignatureLength
	{95, TypeLength},   // RawDataLength
	{96, TypeData},     // RawData
	{97, TypeBoolean},  // PossResend
	{98, TypeInt},      // EncryptMethod
	{108, TypeInt},     // HeartBtInt
	{112, TypeString},  // TestReqID
	{115, TypeString},  // OnBehalfOfCompID
	{122, TypeUTCTimestamp}, // OrigSendingTime
	{123, TypeBoolean}, // GapFillFlag
	{128, TypeString},  // DeliverToCompID
}

// fix41Extra adds the 4.1 header/admin additions.
var fix41Extra = []tagDef{
	{141, TypeBoolean}, // ResetSeqNumFlag
	{151, TypeQty},     // LeavesQty
}

// fix42Extra adds 4.2: encoded (data) fields and the session-reject detail.
var fix42Extra = []tagDef{
	{212, TypeLength},      // XmlDataLen
	{213, TypeXMLData},     // XmlData
	{347, TypeString},      // MessageEncoding
	{348, TypeLength},      // EncodedIssuerLen
	{349, TypeData},        // EncodedIssuer
	{350, TypeLength},      // EncodedSecurityDescLen
	{351, TypeData},        // EncodedSecurityDesc
	{352, TypeLength},      // EncodedListExecInstLen
	{353, TypeData},        // EncodedListExecInst
	{354, TypeLength},      // EncodedTextLen
	{355, TypeData},        // EncodedText
	{356, TypeLength},      // EncodedSubjectLen
	{357, TypeData},        // EncodedSubject
	{358, TypeLength},      // EncodedHeadlineLen
	{359, TypeData},        // EncodedHeadline
	{360, TypeLength},      // EncodedAllocTextLen
	{361, TypeData},        // EncodedAllocText
	{362, TypeLength},      // EncodedUnderlyingIssuerLen
	{363, TypeData},        // EncodedUnderlyingIssuer
	{364, TypeLength},      // EncodedUnderlyingSecurityDescLen
	{365, TypeData},        // EncodedUnderlyingSecurityDesc
	{369, TypeSeqNum},      // LastMsgSeqNumProcessed
	{371, TypeInt},         // RefTagID
	{372, TypeString},      // RefMsgType
	{373, TypeInt},         // SessionRejectReason
	{383, TypeLength},      // MaxMessageSize
}

// fix43Extra adds 4.3.
var fix43Extra = []tagDef{
	{445, TypeLength}, // ListStatusText encoded len
	{446, TypeData},   // EncodedListStatusText
	{464, TypeBoolean},
	{483, TypeUTCTimestamp},
}

// fix44Extra adds 4.4.
var fix44Extra = []tagDef{
	{618, TypeLength}, // EncodedLegIssuerLen
	{619, TypeData},   // EncodedLegIssuer
	{621, TypeLength}, // EncodedLegSecurityDescLen
	{622, TypeData},   // EncodedLegSecurityDesc
}

// fixt11Extra adds the FIXT.1.1 session-layer tags, shared by the 5.0
// application versions.
var fixt11Extra = []tagDef{
	{1128, TypeString}, // ApplVerID
	{1129, TypeString}, // CstmApplVerID
	{1137, TypeString}, // DefaultApplVerID
	{1156, TypeString}, // ApplExtID
}

// tagTables returns the cumulative tag slices composing the table for a
// version. VersionCustom carries the richest table so custom protocols can
// reuse any standard tag.
func tagTables(v Version) [][]tagDef {
	switch v {
	case Version40:
		return [][]tagDef{fix40Tags}
	case Version41:
		return [][]tagDef{fix40Tags, fix41Extra}
	case Version42:
		return [][]tagDef{fix40Tags, fix41Extra, fix42Extra}
	case Version43:
		return [][]tagDef{fix40Tags, fix41Extra, fix42Extra, fix43Extra}
	case Version44:
		return [][]tagDef{fix40Tags, fix41Extra, fix42Extra, fix43Extra, fix44Extra}
	case VersionT11:
		return [][]tagDef{fix40Tags, fix41Extra, fix42Extra, fixt11Extra}
	default: // 5.0, 5.0SP1, 5.0SP2, CUSTOM
		return [][]tagDef{fix40Tags, fix41Extra, fix42Extra, fix43Extra, fix44Extra, fixt11Extra}
	}
}

// buildTagTables materializes the full tag -> type map and the data-tag
// subset for a version. Both are built once per iterator instance.
func buildTagTables(v Version) (map[int]FieldType, map[int]struct{}) {
	tags := make(map[int]FieldType, 128)
	data := make(map[int]struct{}, 24)
	for _, table := range tagTables(v) {
		for _, def := range table {
			tags[def.tag] = def.typ
			if def.typ == TypeData || def.typ == TypeXMLData {
				data[def.tag] = struct{}{}
			}
		}
	}
	return tags, data
}

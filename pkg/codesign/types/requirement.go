package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	mtypes "github.com/appsworld/go-codesign/types"
)

var ErrUnknownRequirementOpcode = errors.New("unknown requirement opcode")

type RequirementType uint32

const (
	HostRequirementType       RequirementType = 1 /* what hosts may run us */
	GuestRequirementType      RequirementType = 2 /* what guests we may run */
	DesignatedRequirementType RequirementType = 3 /* designated requirement */
	LibraryRequirementType    RequirementType = 4 /* what libraries we may link against */
	PluginRequirementType     RequirementType = 5 /* what plug-ins we may load */
)

var requirementTypeStrings = []mtypes.IntName{
	{I: uint32(HostRequirementType), S: "Host Requirement"},
	{I: uint32(GuestRequirementType), S: "Guest Requirement"},
	{I: uint32(DesignatedRequirementType), S: "Designated Requirement"},
	{I: uint32(LibraryRequirementType), S: "Library Requirement"},
	{I: uint32(PluginRequirementType), S: "Plugin Requirement"},
}

func (rt RequirementType) String() string {
	return mtypes.StringName(uint32(rt), requirementTypeStrings, false)
}
func (rt RequirementType) GoString() string {
	return mtypes.StringName(uint32(rt), requirementTypeStrings, true)
}

// requirement blob payload kinds; exprForm is the only one defined
const exprForm uint32 = 1

// ExprOp tags a requirement expression node.
//
// Opcodes are broken into flags in the high byte and an opcode value in the
// remaining 24 bits. An unrecognized opcode with zero flag byte causes
// evaluation to categorically fail, since the semantics of such an opcode
// cannot safely be predicted.
type ExprOp uint32

const (
	// semantic bits or'ed into the opcode
	opFlagMask     ExprOp = 0xFF000000 // high bit flags
	opGenericFalse ExprOp = 0x80000000 // has size field; okay to default to false
	opGenericSkip  ExprOp = 0x40000000 // has size field; skip and continue
)

const (
	OpFalse         ExprOp = iota // unconditionally false
	OpTrue                        // unconditionally true
	OpIdent                       // match canonical code [string]
	OpAppleAnchor                 // signed by Apple as Apple's product
	OpAnchorHash                  // match anchor [cert index; cert hash]
	OpInfoKeyValue                // *legacy* - use OpInfoKeyField [key; value]
	OpAnd                         // binary prefix expr AND expr [expr; expr]
	OpOr                          // binary prefix expr OR expr [expr; expr]
	OpCDHash                      // match hash of CodeDirectory directly [cd hash]
	OpNot                         // logical inverse [expr]
	OpInfoKeyField                // Info.plist key field [string; match suffix]
	OpCertField                   // Certificate field [cert index; field name; match suffix]
	OpCertGeneric                 // Certificate component by OID [cert index; oid; match suffix]
	OpCertPolicy                  // Certificate policy by OID [cert index; oid; match suffix]
	OpTrustedCert                 // require trust settings to approve one particular cert [cert index]
	OpTrustedCerts                // require trust settings to approve the cert chain
	OpCertFieldDate               // Certificate timestamp field by OID [cert index; oid; match suffix]
	exprOpCount                   // (total opcode count in use)
)

var exprOpStrings = []mtypes.IntName{
	{I: uint32(OpFalse), S: "False"},
	{I: uint32(OpTrue), S: "True"},
	{I: uint32(OpIdent), S: "Ident"},
	{I: uint32(OpAppleAnchor), S: "AppleAnchor"},
	{I: uint32(OpAnchorHash), S: "AnchorHash"},
	{I: uint32(OpInfoKeyValue), S: "InfoKeyValue"},
	{I: uint32(OpAnd), S: "And"},
	{I: uint32(OpOr), S: "Or"},
	{I: uint32(OpCDHash), S: "CDHash"},
	{I: uint32(OpNot), S: "Not"},
	{I: uint32(OpInfoKeyField), S: "InfoKeyField"},
	{I: uint32(OpCertField), S: "CertField"},
	{I: uint32(OpCertGeneric), S: "CertGeneric"},
	{I: uint32(OpCertPolicy), S: "CertPolicy"},
	{I: uint32(OpTrustedCert), S: "TrustedCert"},
	{I: uint32(OpTrustedCerts), S: "TrustedCerts"},
	{I: uint32(OpCertFieldDate), S: "CertFieldDate"},
}

func (o ExprOp) String() string   { return mtypes.StringName(uint32(o), exprOpStrings, false) }
func (o ExprOp) GoString() string { return mtypes.StringName(uint32(o), exprOpStrings, true) }

type MatchOp uint32

// match suffix opcodes
const (
	MatchExists       MatchOp = iota // anything but explicit "false" - no value stored
	MatchEqual                       // equal (CFEqual)
	MatchContains                    // partial match (substring)
	MatchBeginsWith                  // partial match (initial substring)
	MatchEndsWith                    // partial match (terminal substring)
	MatchLessThan                    // less than (string with numeric comparison)
	MatchGreaterThan                 // greater than (string with numeric comparison)
	MatchLessEqual                   // less or equal (string with numeric comparison)
	MatchGreaterEqual                // greater or equal (string with numeric comparison)
)

// Match is a match suffix: an operator plus, for all but MatchExists,
// the value matched against.
type Match struct {
	Op    MatchOp
	Value []byte
}

func (m Match) String() string {
	switch m.Op {
	case MatchExists:
		return "/* exists */"
	case MatchEqual:
		return fmt.Sprintf("= \"%s\"", m.Value)
	case MatchContains:
		return fmt.Sprintf("~ \"%s\"", m.Value)
	case MatchBeginsWith:
		return fmt.Sprintf("= \"%s*\"", m.Value)
	case MatchEndsWith:
		return fmt.Sprintf("= \"*%s\"", m.Value)
	case MatchLessThan:
		return fmt.Sprintf("< \"%s\"", m.Value)
	case MatchGreaterThan:
		return fmt.Sprintf("> \"%s\"", m.Value)
	case MatchLessEqual:
		return fmt.Sprintf("<= \"%s\"", m.Value)
	case MatchGreaterEqual:
		return fmt.Sprintf(">= \"%s\"", m.Value)
	default:
		return fmt.Sprintf("/* match opcode %d */", uint32(m.Op))
	}
}

const (
	// certificate positions (within a standard certificate chain)
	leafCert   int32 = 0  // index for leaf (first in chain)
	anchorCert int32 = -1 // index for anchor (last in chain)
)

func certSlotString(slot int32) string {
	switch slot {
	case leafCert:
		return "leaf"
	case anchorCert:
		return "root"
	default:
		return fmt.Sprintf("%d", slot)
	}
}

// Expression is one node of a parsed requirement. The set of
// implementations is closed over the ExprOp list above.
type Expression interface {
	Op() ExprOp
	fmt.Stringer

	// serializeOperands appends the operand encoding (everything after
	// the opcode word) to buf.
	serializeOperands(buf *bytes.Buffer)
}

type (
	// False is unconditionally false ("never").
	False struct{}
	// True is unconditionally true ("always").
	True struct{}
	// Ident matches the canonical code identifier.
	Ident struct{ ID string }
	// AppleAnchor matches code signed by Apple as Apple's product.
	AppleAnchor struct{}
	// AnchorHash matches a certificate by hash.
	AnchorHash struct {
		CertSlot int32
		Hash     []byte
	}
	// InfoKeyValue is the legacy exact Info.plist match.
	InfoKeyValue struct{ Key, Value string }
	// And is the strictly binary conjunction.
	And struct{ Left, Right Expression }
	// Or is the strictly binary disjunction.
	Or struct{ Left, Right Expression }
	// CDHash matches the hash of the CodeDirectory directly.
	CDHash struct{ Hash []byte }
	// Not inverts its operand.
	Not struct{ Expr Expression }
	// InfoKeyField matches an Info.plist key against a match suffix.
	InfoKeyField struct {
		Key   string
		Match Match
	}
	// CertField matches a named certificate field.
	CertField struct {
		CertSlot int32
		Field    string
		Match    Match
	}
	// CertGeneric matches a certificate component by OID.
	CertGeneric struct {
		CertSlot int32
		OID      []byte
		Match    Match
	}
	// CertPolicy matches a certificate policy by OID.
	CertPolicy struct {
		CertSlot int32
		OID      []byte
		Match    Match
	}
	// TrustedCert requires trust settings to approve one particular cert.
	TrustedCert struct{ CertSlot int32 }
	// TrustedCerts requires trust settings to approve the whole chain.
	TrustedCerts struct{}
	// CertFieldDate matches a certificate timestamp field by OID.
	CertFieldDate struct {
		CertSlot int32
		OID      []byte
		Match    Match
	}
)

func (False) Op() ExprOp         { return OpFalse }
func (True) Op() ExprOp          { return OpTrue }
func (Ident) Op() ExprOp         { return OpIdent }
func (AppleAnchor) Op() ExprOp   { return OpAppleAnchor }
func (AnchorHash) Op() ExprOp    { return OpAnchorHash }
func (InfoKeyValue) Op() ExprOp  { return OpInfoKeyValue }
func (And) Op() ExprOp           { return OpAnd }
func (Or) Op() ExprOp            { return OpOr }
func (CDHash) Op() ExprOp        { return OpCDHash }
func (Not) Op() ExprOp           { return OpNot }
func (InfoKeyField) Op() ExprOp  { return OpInfoKeyField }
func (CertField) Op() ExprOp     { return OpCertField }
func (CertGeneric) Op() ExprOp   { return OpCertGeneric }
func (CertPolicy) Op() ExprOp    { return OpCertPolicy }
func (TrustedCert) Op() ExprOp   { return OpTrustedCert }
func (TrustedCerts) Op() ExprOp  { return OpTrustedCerts }
func (CertFieldDate) Op() ExprOp { return OpCertFieldDate }

const (
	slPrimary = iota // syntax primary
	slAnd            // conjunctive
	slOr             // disjunctive
	slTop            // where we start
)

func (False) String() string       { return "never" }
func (True) String() string        { return "always" }
func (e Ident) String() string     { return fmt.Sprintf("identifier \"%s\"", e.ID) }
func (AppleAnchor) String() string { return "anchor apple" }
func (e AnchorHash) String() string {
	return fmt.Sprintf("certificate %s = H\"%x\"", certSlotString(e.CertSlot), e.Hash)
}
func (e InfoKeyValue) String() string {
	return fmt.Sprintf("info[%s] = \"%s\"", e.Key, e.Value)
}
func (e And) String() string { return exprString(e, slTop) }
func (e Or) String() string  { return exprString(e, slTop) }
func (e CDHash) String() string {
	return fmt.Sprintf("cdhash H\"%x\"", e.Hash)
}
func (e Not) String() string { return "! " + exprString(e.Expr, slPrimary) }
func (e InfoKeyField) String() string {
	return fmt.Sprintf("info[%s] %s", e.Key, e.Match)
}
func (e CertField) String() string {
	return fmt.Sprintf("certificate %s[%s] %s", certSlotString(e.CertSlot), e.Field, e.Match)
}
func (e CertGeneric) String() string {
	return fmt.Sprintf("certificate %s[field.%s] %s", certSlotString(e.CertSlot), oidString(e.OID), e.Match)
}
func (e CertPolicy) String() string {
	return fmt.Sprintf("certificate %s[policy.%s] %s", certSlotString(e.CertSlot), oidString(e.OID), e.Match)
}
func (e TrustedCert) String() string {
	return fmt.Sprintf("certificate %s trusted", certSlotString(e.CertSlot))
}
func (TrustedCerts) String() string { return "anchor trusted" }
func (e CertFieldDate) String() string {
	return fmt.Sprintf("certificate %s[timestamp.%s] %s", certSlotString(e.CertSlot), oidString(e.OID), e.Match)
}

// exprString renders e, parenthesizing per the enclosing syntax level the
// way csreq does.
func exprString(e Expression, syntaxLevel int) string {
	switch t := e.(type) {
	case And:
		out := exprString(t.Left, slAnd) + " and " + exprString(t.Right, slAnd)
		if syntaxLevel < slAnd {
			return "(" + out + ")"
		}
		return out
	case Or:
		out := exprString(t.Left, slOr) + " or " + exprString(t.Right, slOr)
		if syntaxLevel < slOr {
			return "(" + out + ")"
		}
		return out
	default:
		return e.String()
	}
}

func getOidArc(r *bytes.Reader) (uint32, error) {
	var result uint32
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			return 0, err
		}
		if err != nil {
			return 0, fmt.Errorf("could not parse OID value: %v", err)
		}
		result = uint32(result*128) + uint32(b&0x7f)
		if (b & 0x80) == 0 {
			break
		}
	}
	return result, nil
}

// oidString renders raw BER OID contents in dotted form.
func oidString(data []byte) string {
	var oidStr string
	r := bytes.NewReader(data)
	first, err := getOidArc(r)
	if err != nil {
		return ""
	}
	q1 := uint32(math.Min(float64(first)/40, 2))
	oidStr += fmt.Sprintf("%d.%d", q1, first-q1*40)
	for {
		arc, err := getOidArc(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return ""
		}
		oidStr += fmt.Sprintf(".%d", arc)
	}
	return oidStr
}

func putData(buf *bytes.Buffer, data []byte) {
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], uint32(len(data)))
	buf.Write(word[:])
	buf.Write(data)
	// pad to a 4 byte boundary; the padding is not counted in the length
	if pad := int(mtypes.RoundUp(uint64(len(data)), 4)) - len(data); pad > 0 {
		buf.Write(make([]byte, pad))
	}
}

func putWord(buf *bytes.Buffer, v uint32) {
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], v)
	buf.Write(word[:])
}

func putMatch(buf *bytes.Buffer, m Match) {
	putWord(buf, uint32(m.Op))
	if m.Op != MatchExists {
		putData(buf, m.Value)
	}
}

func (False) serializeOperands(*bytes.Buffer)       {}
func (True) serializeOperands(*bytes.Buffer)        {}
func (AppleAnchor) serializeOperands(*bytes.Buffer) {}
func (TrustedCerts) serializeOperands(*bytes.Buffer) {
}
func (e Ident) serializeOperands(buf *bytes.Buffer) { putData(buf, []byte(e.ID)) }
func (e AnchorHash) serializeOperands(buf *bytes.Buffer) {
	putWord(buf, uint32(e.CertSlot))
	putData(buf, e.Hash)
}
func (e InfoKeyValue) serializeOperands(buf *bytes.Buffer) {
	putData(buf, []byte(e.Key))
	putData(buf, []byte(e.Value))
}
func (e And) serializeOperands(buf *bytes.Buffer) {
	serializeExpression(buf, e.Left)
	serializeExpression(buf, e.Right)
}
func (e Or) serializeOperands(buf *bytes.Buffer) {
	serializeExpression(buf, e.Left)
	serializeExpression(buf, e.Right)
}
func (e CDHash) serializeOperands(buf *bytes.Buffer) { putData(buf, e.Hash) }
func (e Not) serializeOperands(buf *bytes.Buffer)    { serializeExpression(buf, e.Expr) }
func (e InfoKeyField) serializeOperands(buf *bytes.Buffer) {
	putData(buf, []byte(e.Key))
	putMatch(buf, e.Match)
}
func (e CertField) serializeOperands(buf *bytes.Buffer) {
	putWord(buf, uint32(e.CertSlot))
	putData(buf, []byte(e.Field))
	putMatch(buf, e.Match)
}
func (e CertGeneric) serializeOperands(buf *bytes.Buffer) {
	putWord(buf, uint32(e.CertSlot))
	putData(buf, e.OID)
	putMatch(buf, e.Match)
}
func (e CertPolicy) serializeOperands(buf *bytes.Buffer) {
	putWord(buf, uint32(e.CertSlot))
	putData(buf, e.OID)
	putMatch(buf, e.Match)
}
func (e TrustedCert) serializeOperands(buf *bytes.Buffer) {
	putWord(buf, uint32(e.CertSlot))
}
func (e CertFieldDate) serializeOperands(buf *bytes.Buffer) {
	putWord(buf, uint32(e.CertSlot))
	putData(buf, e.OID)
	putMatch(buf, e.Match)
}

func serializeExpression(buf *bytes.Buffer, e Expression) {
	putWord(buf, uint32(e.Op()))
	e.serializeOperands(buf)
}

// SerializeExpression encodes e in the binary requirement expression form:
// big-endian opcode word followed by opcode-dependent operands, all data
// fields length-prefixed and zero-padded to 4 byte boundaries.
func SerializeExpression(e Expression) []byte {
	var buf bytes.Buffer
	serializeExpression(&buf, e)
	return buf.Bytes()
}

func getData(r *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read data length: %w", ErrBlobTruncated)
	}
	aligned := mtypes.RoundUp(uint64(length), 4)
	data := make([]byte, aligned)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read %d byte data field: %w", length, ErrBlobTruncated)
	}
	return data[:length], nil
}

func getMatch(r *bytes.Reader) (Match, error) {
	var op MatchOp
	if err := binary.Read(r, binary.BigEndian, &op); err != nil {
		return Match{}, fmt.Errorf("failed to read match opcode: %w", ErrBlobTruncated)
	}
	if op == MatchExists {
		return Match{Op: op}, nil
	}
	if op > MatchGreaterEqual {
		return Match{}, fmt.Errorf("match opcode %d: %w", uint32(op), ErrUnknownRequirementOpcode)
	}
	data, err := getData(r)
	if err != nil {
		return Match{}, err
	}
	return Match{Op: op, Value: data}, nil
}

func getCertSlot(r *bytes.Reader) (int32, error) {
	var slot int32
	if err := binary.Read(r, binary.BigEndian, &slot); err != nil {
		return 0, fmt.Errorf("failed to read certificate slot: %w", ErrBlobTruncated)
	}
	return slot, nil
}

// ParseExpression reads one expression from r by recursive descent.
func ParseExpression(r *bytes.Reader) (Expression, error) {
	var op ExprOp
	if err := binary.Read(r, binary.BigEndian, &op); err != nil {
		return nil, fmt.Errorf("failed to read expression opcode: %w", ErrBlobTruncated)
	}

	switch op &^ opFlagMask {
	case OpFalse:
		return False{}, nil
	case OpTrue:
		return True{}, nil
	case OpIdent:
		data, err := getData(r)
		if err != nil {
			return nil, err
		}
		return Ident{ID: string(data)}, nil
	case OpAppleAnchor:
		return AppleAnchor{}, nil
	case OpAnchorHash:
		slot, err := getCertSlot(r)
		if err != nil {
			return nil, err
		}
		data, err := getData(r)
		if err != nil {
			return nil, err
		}
		return AnchorHash{CertSlot: slot, Hash: data}, nil
	case OpInfoKeyValue:
		key, err := getData(r)
		if err != nil {
			return nil, err
		}
		value, err := getData(r)
		if err != nil {
			return nil, err
		}
		return InfoKeyValue{Key: string(key), Value: string(value)}, nil
	case OpAnd:
		left, err := ParseExpression(r)
		if err != nil {
			return nil, err
		}
		right, err := ParseExpression(r)
		if err != nil {
			return nil, err
		}
		return And{Left: left, Right: right}, nil
	case OpOr:
		left, err := ParseExpression(r)
		if err != nil {
			return nil, err
		}
		right, err := ParseExpression(r)
		if err != nil {
			return nil, err
		}
		return Or{Left: left, Right: right}, nil
	case OpCDHash:
		data, err := getData(r)
		if err != nil {
			return nil, err
		}
		return CDHash{Hash: data}, nil
	case OpNot:
		inner, err := ParseExpression(r)
		if err != nil {
			return nil, err
		}
		return Not{Expr: inner}, nil
	case OpInfoKeyField:
		key, err := getData(r)
		if err != nil {
			return nil, err
		}
		match, err := getMatch(r)
		if err != nil {
			return nil, err
		}
		return InfoKeyField{Key: string(key), Match: match}, nil
	case OpCertField:
		slot, err := getCertSlot(r)
		if err != nil {
			return nil, err
		}
		field, err := getData(r)
		if err != nil {
			return nil, err
		}
		match, err := getMatch(r)
		if err != nil {
			return nil, err
		}
		return CertField{CertSlot: slot, Field: string(field), Match: match}, nil
	case OpCertGeneric:
		slot, err := getCertSlot(r)
		if err != nil {
			return nil, err
		}
		oid, err := getData(r)
		if err != nil {
			return nil, err
		}
		match, err := getMatch(r)
		if err != nil {
			return nil, err
		}
		return CertGeneric{CertSlot: slot, OID: oid, Match: match}, nil
	case OpCertPolicy:
		slot, err := getCertSlot(r)
		if err != nil {
			return nil, err
		}
		oid, err := getData(r)
		if err != nil {
			return nil, err
		}
		match, err := getMatch(r)
		if err != nil {
			return nil, err
		}
		return CertPolicy{CertSlot: slot, OID: oid, Match: match}, nil
	case OpTrustedCert:
		slot, err := getCertSlot(r)
		if err != nil {
			return nil, err
		}
		return TrustedCert{CertSlot: slot}, nil
	case OpTrustedCerts:
		return TrustedCerts{}, nil
	case OpCertFieldDate:
		slot, err := getCertSlot(r)
		if err != nil {
			return nil, err
		}
		oid, err := getData(r)
		if err != nil {
			return nil, err
		}
		match, err := getMatch(r)
		if err != nil {
			return nil, err
		}
		return CertFieldDate{CertSlot: slot, OID: oid, Match: match}, nil
	default:
		return nil, fmt.Errorf("opcode %d: %w", uint32(op&^opFlagMask), ErrUnknownRequirementOpcode)
	}
}

// NewRequirementBlob frames one expression as a Requirement blob
// (magic 0xfade0c00): kind word, then the expression.
func NewRequirementBlob(e Expression) Blob {
	var buf bytes.Buffer
	putWord(&buf, exprForm)
	serializeExpression(&buf, e)
	return NewBlob(MAGIC_REQUIREMENT, buf.Bytes())
}

// ParseRequirementBlob decodes a framed Requirement blob back into its
// expression tree.
func ParseRequirementBlob(framed []byte) (Expression, error) {
	blob, err := ParseBlobMagic(framed, MAGIC_REQUIREMENT)
	if err != nil {
		return nil, err
	}
	if len(blob.Data) < 4 {
		return nil, fmt.Errorf("requirement blob too short for kind word: %w", ErrBlobTruncated)
	}
	if kind := binary.BigEndian.Uint32(blob.Data); kind != exprForm {
		return nil, fmt.Errorf("requirement kind %d is not the expression form", kind)
	}
	return ParseExpression(bytes.NewReader(blob.Data[4:]))
}

type reqEntry struct {
	Type RequirementType
	Expr Expression
}

// RequirementSet maps requirement types to expressions, preserving
// insertion order for the emitted index.
type RequirementSet struct {
	entries []reqEntry
}

func NewRequirementSet() *RequirementSet {
	return &RequirementSet{}
}

// Set adds or replaces the expression for a requirement type.
func (rs *RequirementSet) Set(t RequirementType, e Expression) {
	for i := range rs.entries {
		if rs.entries[i].Type == t {
			rs.entries[i].Expr = e
			return
		}
	}
	rs.entries = append(rs.entries, reqEntry{Type: t, Expr: e})
}

// Get returns the expression for a requirement type.
func (rs *RequirementSet) Get(t RequirementType) (Expression, bool) {
	for _, e := range rs.entries {
		if e.Type == t {
			return e.Expr, true
		}
	}
	return nil, false
}

func (rs *RequirementSet) Len() int {
	return len(rs.entries)
}

// Blob emits the RequirementSet wire form: magic 0xfade0c01, count,
// {type, offset} index, then each framed Requirement sub-blob.
func (rs *RequirementSet) Blob() Blob {
	count := uint32(len(rs.entries))
	subs := make([][]byte, count)
	var subTotal uint32
	for i, e := range rs.entries {
		subs[i] = NewRequirementBlob(e.Expr).Bytes()
		subTotal += uint32(len(subs[i]))
	}

	var buf bytes.Buffer
	putWord(&buf, count)
	offset := uint32(BlobHeaderSize) + 4 + count*8
	for i, e := range rs.entries {
		putWord(&buf, uint32(e.Type))
		putWord(&buf, offset)
		offset += uint32(len(subs[i]))
	}
	for _, sub := range subs {
		buf.Write(sub)
	}
	return NewBlob(MAGIC_REQUIREMENTS, buf.Bytes())
}

// ParseRequirementSet decodes a framed RequirementSet blob.
func ParseRequirementSet(framed []byte) (*RequirementSet, error) {
	blob, err := ParseBlobMagic(framed, MAGIC_REQUIREMENTS)
	if err != nil {
		return nil, err
	}
	framed = framed[:blob.Length()]
	if len(blob.Data) < 4 {
		return nil, fmt.Errorf("requirement set too short for count: %w", ErrBlobTruncated)
	}
	count := binary.BigEndian.Uint32(blob.Data)
	if uint64(4+count*8) > uint64(len(blob.Data)) {
		return nil, fmt.Errorf("requirement set index (%d entries) overruns blob: %w", count, ErrBlobTruncated)
	}

	rs := NewRequirementSet()
	for i := uint32(0); i < count; i++ {
		t := RequirementType(binary.BigEndian.Uint32(blob.Data[4+i*8:]))
		offset := binary.BigEndian.Uint32(blob.Data[4+i*8+4:])
		if uint64(offset) >= uint64(len(framed)) {
			return nil, fmt.Errorf("requirement %s offset %#x out of range: %w", t, offset, ErrBlobTruncated)
		}
		expr, err := ParseRequirementBlob(framed[offset:])
		if err != nil {
			return nil, fmt.Errorf("requirement %s: %w", t, err)
		}
		rs.Set(t, expr)
	}
	return rs, nil
}

// String renders the set in csreq -t style, one requirement per line.
func (rs *RequirementSet) String() string {
	var lines []string
	for _, e := range rs.entries {
		var prefix string
		switch e.Type {
		case HostRequirementType:
			prefix = "host => "
		case GuestRequirementType:
			prefix = "guest => "
		case DesignatedRequirementType:
			prefix = "designated => "
		case LibraryRequirementType:
			prefix = "library => "
		case PluginRequirementType:
			prefix = "plugin => "
		}
		lines = append(lines, prefix+exprString(e.Expr, slTop))
	}
	return strings.Join(lines, "\n")
}

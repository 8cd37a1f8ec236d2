package types

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func roundTripExpr(t *testing.T, e Expression) Expression {
	t.Helper()
	raw := SerializeExpression(e)
	if len(raw)%4 != 0 {
		t.Errorf("serialized form is %d bytes, not 4-byte aligned", len(raw))
	}
	r := bytes.NewReader(raw)
	got, err := ParseExpression(r)
	if err != nil {
		t.Fatalf("ParseExpression() = %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("%d bytes left over after parse", r.Len())
	}
	return got
}

func TestExpressionRoundTrip(t *testing.T) {
	oid := []byte{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x63, 0x64, 0x06, 0x02, 0x06}
	tests := []struct {
		name string
		expr Expression
	}{
		{"false", False{}},
		{"true", True{}},
		{"ident", Ident{ID: "com.example.app"}},
		{"apple anchor", AppleAnchor{}},
		{"anchor hash", AnchorHash{CertSlot: -1, Hash: bytes.Repeat([]byte{0xaa}, 20)}},
		{"info key value", InfoKeyValue{Key: "CFBundleVersion", Value: "1.0"}},
		{"and", And{Left: Ident{ID: "a"}, Right: AppleAnchor{}}},
		{"or", Or{Left: True{}, Right: False{}}},
		{"cdhash", CDHash{Hash: bytes.Repeat([]byte{0x11}, 20)}},
		{"not", Not{Expr: TrustedCerts{}}},
		{"info key field", InfoKeyField{Key: "k", Match: Match{Op: MatchExists}}},
		{"cert field", CertField{CertSlot: 0, Field: "subject.CN", Match: Match{Op: MatchEqual, Value: []byte("Developer ID")}}},
		{"cert generic", CertGeneric{CertSlot: 1, OID: oid, Match: Match{Op: MatchExists}}},
		{"cert policy", CertPolicy{CertSlot: -1, OID: oid, Match: Match{Op: MatchExists}}},
		{"trusted cert", TrustedCert{CertSlot: 2}},
		{"trusted certs", TrustedCerts{}},
		{"cert field date", CertFieldDate{CertSlot: 0, OID: oid, Match: Match{Op: MatchGreaterEqual, Value: []byte("20250101")}}},
		{"nested", And{
			Left: Or{Left: Ident{ID: "com.example"}, Right: CDHash{Hash: bytes.Repeat([]byte{0x22}, 20)}},
			Right: Not{Expr: And{Left: AppleAnchor{}, Right: TrustedCerts{}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTripExpr(t, tt.expr)
			if diff := cmp.Diff(tt.expr, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSerializedBytesStable(t *testing.T) {
	// parse(serialize(e)) == e is necessary but not sufficient; the
	// byte stream itself must survive a re-serialize.
	expr := And{
		Left:  Ident{ID: "com.example.app"},
		Right: CertGeneric{CertSlot: 1, OID: []byte{0x2a, 0x03}, Match: Match{Op: MatchExists}},
	}
	first := SerializeExpression(expr)
	parsed, err := ParseExpression(bytes.NewReader(first))
	if err != nil {
		t.Fatal(err)
	}
	second := SerializeExpression(parsed)
	if !bytes.Equal(first, second) {
		t.Errorf("serialize/parse/serialize changed bytes:\n%x\n%x", first, second)
	}
}

func TestDataPadding(t *testing.T) {
	// A 5-byte identifier needs 3 bytes of padding not counted in the
	// length prefix.
	raw := SerializeExpression(Ident{ID: "abcde"})
	// opcode + length + 5 bytes data + 3 pad
	if len(raw) != 4+4+8 {
		t.Fatalf("serialized length = %d, want 16", len(raw))
	}
	if raw[7] != 5 {
		t.Errorf("length prefix = %d, want 5", raw[7])
	}
	if raw[13] != 0 || raw[14] != 0 || raw[15] != 0 {
		t.Errorf("padding bytes are not zero: % x", raw[13:])
	}
}

func TestExpressionDisplay(t *testing.T) {
	tests := []struct {
		expr Expression
		want string
	}{
		{And{Left: Ident{ID: "com.example.app"}, Right: AppleAnchor{}},
			`identifier "com.example.app" and anchor apple`},
		// "and" binds tighter than "or", so the left operand needs no parens
		{Or{Left: And{Left: True{}, Right: False{}}, Right: TrustedCerts{}},
			`always and never or anchor trusted`},
		{And{Left: Or{Left: True{}, Right: False{}}, Right: AppleAnchor{}},
			`(always or never) and anchor apple`},
		{Not{Expr: Ident{ID: "x"}}, `! identifier "x"`},
		{TrustedCert{CertSlot: -1}, `certificate root trusted`},
		{CertField{CertSlot: 0, Field: "subject.CN", Match: Match{Op: MatchEqual, Value: []byte("Acme")}},
			`certificate leaf[subject.CN] = "Acme"`},
	}
	for _, tt := range tests {
		if got := tt.expr.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestCertGenericDisplaysOID(t *testing.T) {
	// 1.2.840.113635.100.6.2.6 (Apple Developer ID CA marker)
	oid := []byte{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x63, 0x64, 0x06, 0x02, 0x06}
	e := CertGeneric{CertSlot: 1, OID: oid, Match: Match{Op: MatchExists}}
	want := `certificate 1[field.1.2.840.113635.100.6.2.6] /* exists */`
	if got := e.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestParseUnknownOpcode(t *testing.T) {
	var buf bytes.Buffer
	putWord(&buf, 0x60) // far past exprOpCount, no generic flags
	_, err := ParseExpression(bytes.NewReader(buf.Bytes()))
	if !errors.Is(err, ErrUnknownRequirementOpcode) {
		t.Errorf("got %v, want ErrUnknownRequirementOpcode", err)
	}
}

func TestParseTruncatedExpression(t *testing.T) {
	raw := SerializeExpression(Ident{ID: "com.example.app"})
	if _, err := ParseExpression(bytes.NewReader(raw[:6])); !errors.Is(err, ErrBlobTruncated) {
		t.Errorf("got %v, want ErrBlobTruncated", err)
	}
}

func TestRequirementSetRoundTrip(t *testing.T) {
	rs := NewRequirementSet()
	rs.Set(DesignatedRequirementType, And{Left: Ident{ID: "com.example.app"}, Right: AppleAnchor{}})
	rs.Set(HostRequirementType, True{})

	framed := rs.Blob().Bytes()
	got, err := ParseRequirementSet(framed)
	if err != nil {
		t.Fatalf("ParseRequirementSet() = %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("parsed %d requirements, want 2", got.Len())
	}
	dr, ok := got.Get(DesignatedRequirementType)
	if !ok {
		t.Fatal("designated requirement missing after round trip")
	}
	if want := `identifier "com.example.app" and anchor apple`; dr.String() != want {
		t.Errorf("designated requirement = %q, want %q", dr.String(), want)
	}
	if diff := cmp.Diff(framed, got.Blob().Bytes()); diff != "" {
		t.Errorf("re-serialized set differs (-want +got):\n%s", diff)
	}
}

func TestRequirementBlobRoundTrip(t *testing.T) {
	e := Or{Left: Ident{ID: "com.example"}, Right: AppleAnchor{}}
	got, err := ParseRequirementBlob(NewRequirementBlob(e).Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Expression(e), got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

package types

import (
	"encoding/asn1"
	"strings"
	"testing"
)

const testEntitlements = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>com.apple.security.get-task-allow</key>
	<true/>
	<key>com.apple.application-identifier</key>
	<string>ABCDE12345.com.example.app</string>
	<key>keychain-access-groups</key>
	<array>
		<string>ABCDE12345.com.example.app</string>
	</array>
</dict>
</plist>
`

func TestEntitlementsBlob(t *testing.T) {
	blob := NewEntitlementsBlob([]byte(testEntitlements))
	if blob.Magic != MAGIC_EMBEDDED_ENTITLEMENTS {
		t.Errorf("magic = %s", blob.Magic)
	}
	parsed, err := ParseBlobMagic(blob.Bytes(), MAGIC_EMBEDDED_ENTITLEMENTS)
	if err != nil {
		t.Fatal(err)
	}
	if string(parsed.Data) != testEntitlements {
		t.Error("entitlements payload does not round trip")
	}
}

func TestDerEncodeEntitlements(t *testing.T) {
	der, err := DerEncodeEntitlements(testEntitlements)
	if err != nil {
		t.Fatal(err)
	}
	// The result must at least be well-formed DER: a SET of items.
	var raw asn1.RawValue
	rest, err := asn1.Unmarshal(der, &raw)
	if err != nil {
		t.Fatalf("DER entitlements do not parse: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("%d trailing bytes after the DER set", len(rest))
	}
	if raw.Tag != asn1.TagSet {
		t.Errorf("top-level tag = %d, want SET", raw.Tag)
	}
}

func TestDerEncodeEntitlementsRejectsGarbage(t *testing.T) {
	if _, err := DerEncodeEntitlements("not a plist"); err == nil {
		t.Error("expected error for non-plist input")
	}
}

func TestDecodeXMLPlistValues(t *testing.T) {
	kvs, err := decodeXMLPlist(strings.NewReader(testEntitlements))
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 3 {
		t.Fatalf("decoded %d keys, want 3", len(kvs))
	}
	if kvs[0].key != "com.apple.security.get-task-allow" || kvs[0].value != true {
		t.Errorf("kv[0] = %q %v", kvs[0].key, kvs[0].value)
	}
	if kvs[1].value != "ABCDE12345.com.example.app" {
		t.Errorf("kv[1] = %v", kvs[1].value)
	}
	arr, ok := kvs[2].value.([]any)
	if !ok || len(arr) != 1 {
		t.Errorf("kv[2] = %#v, want one-element array", kvs[2].value)
	}
}

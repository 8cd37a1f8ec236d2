package types

import (
	"encoding/asn1"
	"fmt"
	"strings"
)

// NewEntitlementsBlob frames an entitlements plist (XML form) for the
// CSSLOT_ENTITLEMENTS slot.
func NewEntitlementsBlob(xml []byte) Blob {
	return NewBlob(MAGIC_EMBEDDED_ENTITLEMENTS, xml)
}

type boolItem struct {
	Key string `asn1:"utf8"`
	Val bool
}

type stringItem struct {
	Key string `asn1:"utf8"`
	Val string `asn1:"utf8"`
}

type stringSliceItem struct {
	Key string `asn1:"utf8"`
	Val []string
}

// DerEncodeEntitlements converts an XML entitlements plist into the DER
// form carried in the CSSLOT_ENTITLEMENTS_DER slot.
func DerEncodeEntitlements(input string) ([]byte, error) {
	entitlements, err := decodeXMLPlist(strings.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("failed to decode entitlements plist: %w", err)
	}

	var items []any
	for _, kv := range entitlements {
		switch t := kv.value.(type) {
		case bool:
			items = append(items, boolItem{kv.key, t})
		case string:
			items = append(items, stringItem{kv.key, t})
		case []any:
			var stringSlice []string
			for _, s := range t {
				str, ok := s.(string)
				if !ok {
					return nil, fmt.Errorf("entitlement %q: only string arrays are supported", kv.key)
				}
				stringSlice = append(stringSlice, str)
			}
			items = append(items, stringSliceItem{kv.key, stringSlice})
		default:
			return nil, fmt.Errorf("entitlement %q: unsupported value type %T", kv.key, kv.value)
		}
	}

	return asn1.MarshalWithParams(items, "set")
}

// NewEntitlementsDerBlob frames DER entitlements for CSSLOT_ENTITLEMENTS_DER.
func NewEntitlementsDerBlob(der []byte) Blob {
	return NewBlob(MAGIC_EMBEDDED_ENTITLEMENTS_DER, der)
}

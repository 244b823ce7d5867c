package models

import (
	"bytes"
	"testing"
)

func TestMappingMetadataRoundTrip(t *testing.T) {
	in := MappingMetadata{
		Kind: MappingMetadataKindXero,
		Xero: &XeroMappingMetadata{BrandingThemeId: "bt-1", ContactGroupId: "cg-2"},
	}
	out := DecodeMappingMetadata(EncodeMappingMetadata(in))

	if out.Kind != MappingMetadataKindXero {
		t.Fatalf("kind lost: %+v", out)
	}
	if out.Xero == nil || out.Xero.BrandingThemeId != "bt-1" || out.Xero.ContactGroupId != "cg-2" {
		t.Fatalf("xero variant lost: %+v", out.Xero)
	}
	if out.QuickBook != nil {
		t.Fatalf("unexpected quickbooks variant: %+v", out.QuickBook)
	}
}

func TestMappingMetadataMalformedFallsBackToRaw(t *testing.T) {
	raw := []byte(`{"kind": "xero", broken`)
	out := DecodeMappingMetadata(raw)

	if !bytes.Equal(out.Raw, raw) {
		t.Fatalf("malformed payload should be preserved in Raw, got %q", out.Raw)
	}
	if out.Kind != "" || out.Xero != nil || out.QuickBook != nil {
		t.Fatalf("malformed payload should not populate variants: %+v", out)
	}

	reencoded := EncodeMappingMetadata(out)
	if !bytes.Equal(reencoded, raw) {
		t.Fatalf("raw-only metadata should re-encode to the original bytes, got %q", reencoded)
	}
	again := DecodeMappingMetadata(reencoded)
	if !bytes.Equal(again.Raw, raw) {
		t.Fatalf("second round trip lost the payload, got %q", again.Raw)
	}
}

func TestMappingMetadataEmptyEncodesToNil(t *testing.T) {
	if got := EncodeMappingMetadata(MappingMetadata{}); got != nil {
		t.Fatalf("empty metadata should encode to nil, got %q", got)
	}
	if out := DecodeMappingMetadata(nil); out.Kind != "" || out.Raw != nil {
		t.Fatalf("nil input should decode to the zero value, got %+v", out)
	}
}

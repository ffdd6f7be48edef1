package device_test

import (
	"errors"
	"testing"

	"github.com/robertof/go-ble-advert-exporter/device"
)

func TestParseAddress_Valid(t *testing.T) {
	tests := map[string]string{
		"AA:BB:CC:DD:EE:FF":     "AA:BB:CC:DD:EE:FF",
		"aa:bb:cc:dd:ee:ff":     "AA:BB:CC:DD:EE:FF",
		"aa-bb-cc-dd-ee-ff":     "AA:BB:CC:DD:EE:FF",
		"  01:23:45:67:89:ab  ": "01:23:45:67:89:AB",
	}

	for in, want := range tests {
		got, err := device.ParseAddress(in)

		if err != nil {
			t.Fatalf("ParseAddress(%q) got error: %v", in, err)
		}

		if got != want {
			t.Fatalf("ParseAddress(%q): got %q, wanted %q", in, got, want)
		}
	}
}

func TestParseAddress_Invalid(t *testing.T) {
	for _, in := range []string{
		"",
		"AA:BB:CC:DD:EE",
		"AA:BB:CC:DD:EE:FF:00",
		"AABBCCDDEEFF",
		"AA:BB-CC:DD:EE:FF",
		"GG:BB:CC:DD:EE:FF",
		"A:BB:CC:DD:EE:FF",
		"AA.BB.CC.DD.EE.FF",
	} {
		_, err := device.ParseAddress(in)

		if !errors.Is(err, device.ErrInvalidAddress) {
			t.Fatalf("ParseAddress(%q): got %v, wanted ErrInvalidAddress", in, err)
		}
	}
}

func TestFormatMAC(t *testing.T) {
	if got := device.FormatMAC("AA-BB-CC-DD-EE-FF"); got != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("FormatMAC: got %q", got)
	}

	if got := device.FormatMAC("bogus"); got != "bogus" {
		t.Fatalf("FormatMAC: got %q", got)
	}
}

func TestFromSpec(t *testing.T) {
	d, err := device.FromSpec(device.NewSpec("addr=aa:bb:cc:dd:ee:ff, name=Kitchen"))

	if err != nil {
		t.Fatalf("FromSpec got error: %v", err)
	}

	want := device.Device{Address: "AA:BB:CC:DD:EE:FF", Name: "Kitchen"}

	if d != want {
		t.Fatalf("FromSpec: got %+v, wanted %+v", d, want)
	}

	if d.UniqueID() != "aa:bb:cc:dd:ee:ff" || d.Title() != "Kitchen" {
		t.Fatalf("unexpected unique id %q / title %q", d.UniqueID(), d.Title())
	}

	if d.Addr().String() != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("Addr: got %v", d.Addr())
	}

	if _, err := device.FromSpec(device.NewSpec("addr=nope")); !errors.Is(err, device.ErrInvalidAddress) {
		t.Fatalf("FromSpec with bad addr: got %v", err)
	}
}

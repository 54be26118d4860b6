package packet

import (
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// TestHandRolledChecksumsAgreeWithGopacket decodes a hand-built IPv4/UDP
// packet with gopacket's independent decoder and checks that it reads the
// same IPv4 checksum field, addresses and UDP ports as the hand-rolled
// codec. The production codec never imports gopacket — this is a second
// opinion used only in tests.
func TestHandRolledChecksumsAgreeWithGopacket(t *testing.T) {
	src := [4]byte{10, 0, 0, 5}
	dst := [4]byte{10, 0, 0, 6}
	raw := buildUDPPacket(t, src, 4444, dst, 5353, []byte("cross-check"))

	gp := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	if err := gp.ErrorLayer(); err != nil {
		t.Fatalf("gopacket failed to decode our packet: %v", err)
	}
	ipLayer, ok := gp.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		t.Fatal("gopacket did not find an IPv4 layer")
	}
	if ipLayer.Checksum == 0 {
		t.Fatal("expected gopacket to report a non-zero IPv4 checksum")
	}

	ours, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ipLayer.Checksum != ours.IP.Checksum() {
		t.Fatalf("checksum mismatch: gopacket=%#04x ours=%#04x", ipLayer.Checksum, ours.IP.Checksum())
	}
	if ipLayer.SrcIP.String() != "10.0.0.5" || ipLayer.DstIP.String() != "10.0.0.6" {
		t.Fatalf("unexpected addresses decoded by gopacket: %s -> %s", ipLayer.SrcIP, ipLayer.DstIP)
	}

	udpLayer, ok := gp.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		t.Fatal("gopacket did not find a UDP layer")
	}
	if uint16(udpLayer.SrcPort) != ours.UDP.SrcPort() || uint16(udpLayer.DstPort) != ours.UDP.DstPort() {
		t.Fatalf("port mismatch between gopacket and hand-rolled decoder")
	}
}

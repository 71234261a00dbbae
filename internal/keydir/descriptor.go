package keydir

import (
	"bufio"
	"bytes"
	"encoding/pem"
	"fmt"
	"strings"
	"time"
)

const descriptorDateFmt = "2006-01-02"

// descriptor is the parsed form of a /remailer-conf.txt peer descriptor
//: key/value header lines, a PEM public-key block, and an
// optional trailing list of known remailers which this package ignores
// (peer discovery beyond the fetched address is out of scope here).
type descriptor struct {
	Name      string
	Address   string
	KeyID     string
	ValidFrom time.Time
	ValidTo   time.Time
	SMTP      bool
	PubKeyPEM []byte
}

// parseDescriptor parses the key/value header lines and PEM block of a
// peer descriptor. It does not validate KeyID binding or validity window;
// callers perform those checks against the current time.
func parseDescriptor(raw []byte) (*descriptor, error) {
	block, rest := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("keydir: missing public key block")
	}

	fields, err := parseHeaderLines(raw, rest)
	if err != nil {
		return nil, err
	}

	d := &descriptor{
		Name:      fields["name"],
		Address:   fields["address"],
		KeyID:     strings.ToLower(fields["keyid"]),
		SMTP:      fields["smtp"] == "1",
		PubKeyPEM: pemEncode(block),
	}

	if d.Name == "" || d.Address == "" || d.KeyID == "" {
		return nil, fmt.Errorf("keydir: descriptor missing name, address, or keyid")
	}

	validFromStr, ok := fields["valid from"]
	if !ok {
		return nil, fmt.Errorf("keydir: descriptor missing Valid From")
	}
	validToStr, ok := fields["valid to"]
	if !ok {
		return nil, fmt.Errorf("keydir: descriptor missing Valid To")
	}

	d.ValidFrom, err = time.Parse(descriptorDateFmt, validFromStr)
	if err != nil {
		return nil, fmt.Errorf("keydir: invalid Valid From date: %w", err)
	}
	d.ValidTo, err = time.Parse(descriptorDateFmt, validToStr)
	if err != nil {
		return nil, fmt.Errorf("keydir: invalid Valid To date: %w", err)
	}

	return d, nil
}

// parseHeaderLines scans the portion of raw preceding the PEM block for
// "Key: value" lines, lowercasing keys for case-insensitive matching.
func parseHeaderLines(raw, afterPEM []byte) (map[string]string, error) {
	headerLen := len(raw) - len(afterPEM)
	pemStart := bytes.Index(raw, []byte("-----BEGIN"))
	if pemStart >= 0 && pemStart < headerLen {
		headerLen = pemStart
	}

	fields := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(raw[:headerLen]))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		fields[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("keydir: scan descriptor header: %w", err)
	}
	return fields, nil
}

func pemEncode(block *pem.Block) []byte {
	return pem.EncodeToMemory(block)
}

// encodeDescriptor renders a descriptor back into the /remailer-conf.txt
// wire format, used when emitting this node's own advertised identity.
func encodeDescriptor(d *descriptor, knownAddresses []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", d.Name)
	fmt.Fprintf(&b, "Address: %s\n", d.Address)
	fmt.Fprintf(&b, "KeyID: %s\n", d.KeyID)
	fmt.Fprintf(&b, "Valid From: %s\n", d.ValidFrom.Format(descriptorDateFmt))
	fmt.Fprintf(&b, "Valid To:   %s\n", d.ValidTo.Format(descriptorDateFmt))
	smtp := 0
	if d.SMTP {
		smtp = 1
	}
	fmt.Fprintf(&b, "SMTP: %d\n\n", smtp)
	b.Write(d.PubKeyPEM)

	if len(knownAddresses) > 0 {
		b.WriteString("\nKnown remailers:-\n")
		for _, addr := range knownAddresses {
			b.WriteString(addr)
			b.WriteString("\n")
		}
	}

	return []byte(b.String())
}

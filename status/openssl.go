package status

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/silverbullet/internal/util"
)

// OpenSSLResponder writes the entry into a single-line CA index and runs
// the openssl ocsp command against it. It needs the signing key as a PEM
// file.
//
// openssl adds no single response at all for an "E" index row, so expired
// entries are answered from an empty index instead, which openssl reports
// as unknown.
type OpenSSLResponder struct {
	// Binary is the openssl executable; "openssl" when empty.
	Binary string
	// IssuerCert issued the client certificates and signs the response.
	IssuerCert string
	IssuerKey  string
}

// Respond implements Responder. The subprocess is killed when ctx ends.
func (r *OpenSSLResponder) Respond(ctx context.Context, entry Entry, validity time.Duration) ([]byte, error) {
	dir, err := os.MkdirTemp("", "silverbullet-ocsp-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	index := filepath.Join(dir, "index.txt")
	var rows []byte
	if entry.Status != Expired {
		rows = []byte(entry.IndexLine() + "\n")
	}
	if err := os.WriteFile(index, rows, 0o600); err != nil {
		return nil, fmt.Errorf("writing index: %w", err)
	}
	out := filepath.Join(dir, "response.der")

	days := int(validity.Hours() / 24)
	if days < 1 {
		days = 1
	}
	bin := r.Binary
	if bin == "" {
		bin = "openssl"
	}
	cmd := exec.CommandContext(ctx, bin, "ocsp",
		"-index", index,
		"-rsigner", r.IssuerCert,
		"-rkey", r.IssuerKey,
		"-CA", r.IssuerCert,
		"-issuer", r.IssuerCert,
		"-serial", "0x"+util.SerialHex(entry.Serial),
		"-ndays", strconv.Itoa(days),
		"-no_nonce",
		"-resp_no_certs",
		"-respout", out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("openssl ocsp: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	der, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if len(der) == 0 {
		return nil, fmt.Errorf("openssl ocsp produced an empty response")
	}
	return der, nil
}

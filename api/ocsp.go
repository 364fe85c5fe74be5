package api

import (
	"bytes"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/ocsp"

	"github.com/jmcleod/silverbullet/internal/util"
	"github.com/jmcleod/silverbullet/storage"
)

const maxOCSPRequestBytes = 10 << 10

// OCSPGet serves RFC 6960 appendix A.1 GET requests: the base64 DER
// request is the URL-escaped path below /ocsp/.
func (a *API) OCSPGet(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		writeOCSP(w, ocsp.MalformedRequestErrorResponse)
		return
	}
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		writeOCSP(w, ocsp.MalformedRequestErrorResponse)
		return
	}
	a.answerOCSP(w, r, der)
}

// OCSPPost serves requests posted as application/ocsp-request.
func (a *API) OCSPPost(w http.ResponseWriter, r *http.Request) {
	der, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOCSPRequestBytes))
	if err != nil {
		writeOCSP(w, ocsp.MalformedRequestErrorResponse)
		return
	}
	a.answerOCSP(w, r, der)
}

func (a *API) answerOCSP(w http.ResponseWriter, r *http.Request, der []byte) {
	req, err := ocsp.ParseRequest(der)
	if err != nil {
		writeOCSP(w, ocsp.MalformedRequestErrorResponse)
		return
	}
	if !a.issuedByUs(req) {
		writeOCSP(w, ocsp.UnauthorizedErrorResponse)
		return
	}
	if req.SerialNumber.Sign() <= 0 || !req.SerialNumber.IsInt64() {
		writeOCSP(w, ocsp.UnauthorizedErrorResponse)
		return
	}
	serial := req.SerialNumber.Int64()

	st, err := a.mgr.CurrentStatus(r.Context(), serial)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeOCSP(w, ocsp.UnauthorizedErrorResponse)
		return
	case err != nil:
		a.logger.Error("OCSP request failed",
			slog.String("serial", util.SerialHex(serial)),
			slog.String("error", err.Error()))
		writeOCSP(w, ocsp.InternalErrorErrorResponse)
		return
	}
	writeOCSP(w, st.DER)
}

// issuedByUs reports whether the request names the embedded issuing CA.
func (a *API) issuedByUs(req *ocsp.Request) bool {
	issuer := a.mgr.Issuer()
	if issuer == nil || !req.HashAlgorithm.Available() {
		return false
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(issuer.RawSubjectPublicKeyInfo, &spki); err != nil {
		return false
	}
	return bytes.Equal(hashOf(req, issuer.RawSubject), req.IssuerNameHash) &&
		bytes.Equal(hashOf(req, spki.PublicKey.RightAlign()), req.IssuerKeyHash)
}

func hashOf(req *ocsp.Request, data []byte) []byte {
	h := req.HashAlgorithm.New()
	h.Write(data)
	return h.Sum(nil)
}

func writeOCSP(w http.ResponseWriter, der []byte) {
	w.Header().Set("Content-Type", "application/ocsp-response")
	w.WriteHeader(http.StatusOK)
	w.Write(der)
}

package saml

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"enterprise-auth/backend/internal/autherr"
)

const (
	nsProtocol  = "urn:oasis:names:tc:SAML:2.0:protocol"
	nsAssertion = "urn:oasis:names:tc:SAML:2.0:assertion"
	nsDSig      = "http://www.w3.org/2000/09/xmldsig#"

	statusSuccess = "urn:oasis:names:tc:SAML:2.0:status:Success"

	maxResponseSize = 1 << 20
)

// assertion is the verified content of a response.
type assertion struct {
	ID           string
	Issuer       string
	Subject      string
	NotBefore    time.Time
	NotOnOrAfter time.Time
	Audiences    []string
	Attributes   map[string][]string
}

// child returns the first direct child of e with the given namespace and local name.
func child(e *etree.Element, ns, tag string) *etree.Element {
	if e == nil {
		return nil
	}
	for _, c := range e.ChildElements() {
		if c.Tag == tag && c.NamespaceURI() == ns {
			return c
		}
	}
	return nil
}

func children(e *etree.Element, ns, tag string) []*etree.Element {
	if e == nil {
		return nil
	}
	var out []*etree.Element
	for _, c := range e.ChildElements() {
		if c.Tag == tag && c.NamespaceURI() == ns {
			out = append(out, c)
		}
	}
	return out
}

func text(e *etree.Element) string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.Text())
}

func malformed(reason string) error {
	return autherr.Authentication(autherr.CodeSAMLMalformed, reason)
}

// decodeResponse base64-decodes and parses a SAMLResponse form value. Documents carrying a
// DOCTYPE or entity declaration are refused before parsing.
func decodeResponse(raw string) (*etree.Element, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, malformed("empty response")
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeSAMLMalformed, err)
	}
	if len(data) > maxResponseSize {
		return nil, malformed("response too large")
	}
	upper := bytes.ToUpper(data)
	if bytes.Contains(upper, []byte("<!DOCTYPE")) || bytes.Contains(upper, []byte("<!ENTITY")) {
		return nil, malformed("document type declarations are not allowed")
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, autherr.Wrap(autherr.CodeSAMLMalformed, err)
	}
	for _, tok := range doc.Child {
		if _, ok := tok.(*etree.Directive); ok {
			return nil, malformed("document type declarations are not allowed")
		}
	}
	root := doc.Root()
	if root == nil || root.Tag != "Response" || root.NamespaceURI() != nsProtocol {
		return nil, malformed("root element is not a protocol Response")
	}
	return root, nil
}

// checkStatus requires a top-level success status code.
func checkStatus(resp *etree.Element) error {
	code := child(child(resp, nsProtocol, "Status"), nsProtocol, "StatusCode")
	if code == nil {
		return malformed("response has no status")
	}
	if v := code.SelectAttrValue("Value", ""); v != statusSuccess {
		return autherr.Authenticationf(autherr.CodeInvalidCredentials, "identity provider returned status %s", v)
	}
	return nil
}

// soleAssertion returns the only plaintext assertion in resp.
func soleAssertion(resp *etree.Element) (*etree.Element, error) {
	if child(resp, nsAssertion, "EncryptedAssertion") != nil {
		return nil, malformed("encrypted assertions are not supported")
	}
	as := children(resp, nsAssertion, "Assertion")
	if len(as) != 1 {
		return nil, malformed("response must contain exactly one assertion")
	}
	return as[0], nil
}

// verifySignature validates the response signature if present, otherwise the assertion signature,
// and returns the assertion taken from the verified element. Content outside the signed element is
// never read.
func verifySignature(vctx *dsig.ValidationContext, resp *etree.Element) (*etree.Element, error) {
	if child(resp, nsDSig, "Signature") != nil {
		verified, err := vctx.Validate(resp)
		if err != nil {
			return nil, autherr.Wrap(autherr.CodeSAMLSignature, err)
		}
		return soleAssertion(verified)
	}
	el, err := soleAssertion(resp)
	if err != nil {
		return nil, err
	}
	verified, err := vctx.Validate(el)
	if errors.Is(err, dsig.ErrMissingSignature) {
		return nil, autherr.Authentication(autherr.CodeSAMLSignature, "neither response nor assertion is signed")
	}
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeSAMLSignature, err)
	}
	return verified, nil
}

// readAssertion extracts the fields used for validation and attribute mapping.
func readAssertion(el *etree.Element) (*assertion, error) {
	a := &assertion{
		ID:         el.SelectAttrValue("ID", ""),
		Issuer:     text(child(el, nsAssertion, "Issuer")),
		Attributes: make(map[string][]string),
	}
	if a.ID == "" {
		return nil, malformed("assertion has no ID")
	}
	subject := child(el, nsAssertion, "Subject")
	a.Subject = text(child(subject, nsAssertion, "NameID"))
	if a.Subject == "" {
		return nil, malformed("assertion has no subject NameID")
	}

	conditions := child(el, nsAssertion, "Conditions")
	if conditions == nil {
		return nil, malformed("assertion has no conditions")
	}
	var err error
	if a.NotBefore, err = parseTime(conditions.SelectAttrValue("NotBefore", "")); err != nil {
		return nil, err
	}
	if a.NotOnOrAfter, err = parseTime(conditions.SelectAttrValue("NotOnOrAfter", "")); err != nil {
		return nil, err
	}
	for _, conf := range children(subject, nsAssertion, "SubjectConfirmation") {
		data := child(conf, nsAssertion, "SubjectConfirmationData")
		if data == nil {
			continue
		}
		t, err := parseTime(data.SelectAttrValue("NotOnOrAfter", ""))
		if err != nil {
			return nil, err
		}
		if !t.IsZero() && (a.NotOnOrAfter.IsZero() || t.Before(a.NotOnOrAfter)) {
			a.NotOnOrAfter = t
		}
	}
	for _, ar := range children(conditions, nsAssertion, "AudienceRestriction") {
		for _, aud := range children(ar, nsAssertion, "Audience") {
			if v := text(aud); v != "" {
				a.Audiences = append(a.Audiences, v)
			}
		}
	}

	for _, stmt := range children(el, nsAssertion, "AttributeStatement") {
		for _, attr := range children(stmt, nsAssertion, "Attribute") {
			name := attr.SelectAttrValue("Name", "")
			if name == "" {
				continue
			}
			for _, v := range children(attr, nsAssertion, "AttributeValue") {
				if s := text(v); s != "" {
					a.Attributes[name] = append(a.Attributes[name], s)
				}
			}
		}
	}
	return a, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, autherr.Wrap(autherr.CodeSAMLMalformed, err)
	}
	return t, nil
}

// rawIssuer returns the issuer named by the response, falling back to the assertion issuer.
// It is read before signature verification only to pick the allow-list decision.
func rawIssuer(resp *etree.Element) string {
	if v := text(child(resp, nsAssertion, "Issuer")); v != "" {
		return v
	}
	for _, as := range children(resp, nsAssertion, "Assertion") {
		if v := text(child(as, nsAssertion, "Issuer")); v != "" {
			return v
		}
	}
	return ""
}

package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matryer/is"
)

const policies string = `package example.authz

import rego.v1

default allow := false

allow := {"editor": true} if {
	input.method == "PATCH"
	input.token == "letmein"
	input.path[3] == "Beach"
}
`

func TestEditorTokenIsAllowed(t *testing.T) {
	is := is.New(t)
	a, err := NewAuthenticator(context.Background(), strings.NewReader(policies))
	is.NoErr(err)

	r := httptest.NewRequest("PATCH", "/api/v1/layers/Beach/features/urn:Beach:1", nil)
	r.Header.Set("Authorization", "Bearer letmein")

	is.NoErr(a.CheckAccess(context.Background(), r, "Beach"))
}

func TestWrongTokenIsDenied(t *testing.T) {
	is := is.New(t)
	a, err := NewAuthenticator(context.Background(), strings.NewReader(policies))
	is.NoErr(err)

	r := httptest.NewRequest("PATCH", "/api/v1/layers/Beach/features/urn:Beach:1", nil)
	r.Header.Set("Authorization", "Bearer guess")

	err = a.CheckAccess(context.Background(), r, "Beach")
	is.True(errors.Is(err, ErrAccessDenied))
}

func TestBrokenPoliciesFail(t *testing.T) {
	is := is.New(t)
	_, err := NewAuthenticator(context.Background(), strings.NewReader("package example.authz\n\nallow :="))
	is.True(err != nil)
}

const booleanPolicies string = `package example.authz

import rego.v1

default allow := false

allow if {
	input.method == "PATCH"
	input.token == "letmein"
}
`

func TestBooleanAllowIsGranted(t *testing.T) {
	is := is.New(t)
	a, err := NewAuthenticator(context.Background(), strings.NewReader(booleanPolicies))
	is.NoErr(err)

	r := httptest.NewRequest("PATCH", "/api/v1/layers/Beach/features/urn:Beach:1", nil)
	r.Header.Set("Authorization", "Bearer letmein")
	is.NoErr(a.CheckAccess(context.Background(), r, "Beach"))

	r.Header.Set("Authorization", "Bearer guess")
	err = a.CheckAccess(context.Background(), r, "Beach")
	is.True(errors.Is(err, ErrAccessDenied))
}

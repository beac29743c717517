package server

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// APITokenMetadataKey is an alternative to an "authorization: Bearer" header
	APITokenMetadataKey = "x-api-token"
	// APITokenHeader is the HTTP form of APITokenMetadataKey
	APITokenHeader = "X-Api-Token"
)

type callerAuthKey struct{}

// callerAuth is what the authenticator learned about a request. bound is
// false when tokens are configured but the request presented none.
type callerAuth struct {
	addr  common.Address
	bound bool
}

// Authenticator binds API tokens to caller addresses. Once any token is
// configured, admin and funding calls act as the address bound to the
// presented token and a declared x-pool-caller must agree with it.
//
// With no tokens configured the declared caller is taken as is. That mode
// is only safe behind a proxy that authenticates callers and strips the
// header from untrusted clients.
type Authenticator struct {
	tokens map[string]common.Address
}

func NewAuthenticator(tokens map[string]common.Address) *Authenticator {
	bound := make(map[string]common.Address, len(tokens))
	for token, addr := range tokens {
		trimmed := strings.TrimSpace(token)
		if trimmed == "" {
			continue
		}
		bound[trimmed] = addr
	}
	return &Authenticator{tokens: bound}
}

// Enabled reports whether callers must present a token
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.tokens) > 0
}

// authenticate resolves the token in ctx's incoming metadata. A request
// without a token passes through; callerFrom rejects it later if the call
// needs a caller. An unknown token is rejected here.
func (a *Authenticator) authenticate(ctx context.Context) (context.Context, error) {
	if !a.Enabled() {
		return ctx, nil
	}
	token := tokenFrom(ctx)
	if token == "" {
		return context.WithValue(ctx, callerAuthKey{}, callerAuth{}), nil
	}
	addr, ok := a.tokens[token]
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "invalid api token")
	}
	return context.WithValue(ctx, callerAuthKey{}, callerAuth{addr: addr, bound: true}), nil
}

func tokenFrom(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, header := range md.Get("authorization") {
		if token := parseBearerToken(header); token != "" {
			return token
		}
	}
	for _, token := range md.Get(APITokenMetadataKey) {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func parseBearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// callerFrom returns the acting address of an admin or funding call: the
// address bound to the request's token when authentication is enabled,
// otherwise the declared x-pool-caller.
func callerFrom(ctx context.Context) (common.Address, error) {
	declared, hasDeclared, err := declaredCaller(ctx)
	if err != nil {
		return common.Address{}, err
	}

	auth, checked := ctx.Value(callerAuthKey{}).(callerAuth)
	if !checked {
		if !hasDeclared {
			return common.Address{}, status.Error(codes.Unauthenticated, "missing "+CallerMetadataKey)
		}
		return declared, nil
	}
	if !auth.bound {
		return common.Address{}, status.Error(codes.Unauthenticated, "api token required")
	}
	if hasDeclared && declared != auth.addr {
		return common.Address{}, status.Errorf(codes.PermissionDenied,
			"%s %s does not match the token's address", CallerMetadataKey, declared.Hex())
	}
	return auth.addr, nil
}

func declaredCaller(ctx context.Context) (common.Address, bool, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return common.Address{}, false, nil
	}
	vals := md.Get(CallerMetadataKey)
	if len(vals) == 0 || vals[0] == "" {
		return common.Address{}, false, nil
	}
	if !common.IsHexAddress(vals[0]) {
		return common.Address{}, false, status.Errorf(codes.Unauthenticated, "malformed %s %q", CallerMetadataKey, vals[0])
	}
	return common.HexToAddress(vals[0]), true, nil
}

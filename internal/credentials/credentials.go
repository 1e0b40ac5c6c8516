// Package credentials implements the token contract sessions check
// before they start listing.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/yairfalse/kartta/types"
)

// ARMScope is the token scope for Azure Resource Manager.
const ARMScope = "https://management.azure.com/.default"

// Token is an opaque access credential.
type Token struct {
	Value     string
	ExpiresOn time.Time
}

// Provider hands out tokens. Failures are CredentialError.
type Provider interface {
	Token(ctx context.Context) (Token, error)
}

// Static returns a fixed token, or a fixed error.
type Static struct {
	Value string
	Err   error
}

// Token implements Provider.
func (s Static) Token(context.Context) (Token, error) {
	if s.Err != nil {
		return Token{}, types.WrapError(types.KindCredential, "static credential", s.Err)
	}
	if s.Value == "" {
		return Token{}, types.NewError(types.KindCredential, "static credential is empty")
	}
	return Token{Value: s.Value}, nil
}

// Azure wraps an azcore.TokenCredential.
type Azure struct {
	cred   azcore.TokenCredential
	scopes []string
}

// NewAzure builds the default Azure credential chain (environment,
// workload identity, managed identity, Azure CLI) for a tenant.
func NewAzure(tenantID string) (*Azure, error) {
	cred, err := azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
		TenantID: tenantID,
	})
	if err != nil {
		return nil, types.WrapError(types.KindCredential, "create azure credential", err)
	}
	return NewAzureFromCredential(cred), nil
}

// NewAzureFromCredential wraps an existing credential.
func NewAzureFromCredential(cred azcore.TokenCredential) *Azure {
	return &Azure{cred: cred, scopes: []string{ARMScope}}
}

// Credential returns the underlying credential for SDK clients.
func (a *Azure) Credential() azcore.TokenCredential {
	return a.cred
}

// Token implements Provider.
func (a *Azure) Token(ctx context.Context) (Token, error) {
	tok, err := a.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: a.scopes})
	if err != nil {
		msg := "get azure token"
		var authErr *azidentity.AuthenticationFailedError
		if errors.As(err, &authErr) && authErr.RawResponse != nil {
			msg = fmt.Sprintf("get azure token (status %d)", authErr.RawResponse.StatusCode)
		}
		return Token{}, types.WrapError(types.KindCredential, msg, err)
	}
	return Token{Value: tok.Token, ExpiresOn: tok.ExpiresOn}, nil
}

// AWS wraps an aws.CredentialsProvider.
type AWS struct {
	provider aws.CredentialsProvider
}

// NewAWS uses the credentials of a loaded aws.Config.
func NewAWS(cfg aws.Config) *AWS {
	return &AWS{provider: cfg.Credentials}
}

// NewAWSFromProvider wraps an explicit provider.
func NewAWSFromProvider(p aws.CredentialsProvider) *AWS {
	return &AWS{provider: p}
}

// Token implements Provider. The access key ID stands in for the token;
// signing stays inside the SDK.
func (a *AWS) Token(ctx context.Context) (Token, error) {
	if a.provider == nil {
		return Token{}, types.NewError(types.KindCredential, "no aws credentials configured")
	}
	creds, err := a.provider.Retrieve(ctx)
	if err != nil {
		return Token{}, types.WrapError(types.KindCredential, "retrieve aws credentials", err)
	}
	if !creds.HasKeys() {
		return Token{}, types.NewError(types.KindCredential, "aws credentials have no keys")
	}
	tok := Token{Value: creds.AccessKeyID}
	if creds.CanExpire {
		tok.ExpiresOn = creds.Expires
	}
	return tok, nil
}

package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/google/go-containerregistry/pkg/authn"
	ggcr "github.com/google/go-containerregistry/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/config"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(ggcr.New())
	t.Cleanup(srv.Close)

	repo := strings.TrimPrefix(srv.URL, "http://") + "/wasm/apps"
	client, err := New(context.Background(), config.RegistryConfig{Type: "docker", Repository: repo, Username: "ci", Password: "secret"})
	require.NoError(t, err)
	return client
}

func TestPublishAndList(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	builds := []string{"0123abcd", "4567ef01"}
	for i, build := range builds {
		client.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		digest, err := client.Publish(ctx, Tag("app-1", build), []byte("\x00asm"+build), &models.SignatureBundle{KeyID: "k1", Signature: "c2ln"}, build)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(digest, "sha256:"))
	}
	_, err := client.Publish(ctx, Tag("other", "00000000"), []byte("\x00asm"), nil, "00000000")
	require.NoError(t, err)

	artifacts, err := client.ListArtifacts(ctx, "app-1-", 0)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Equal(t, "app-1-4567ef01", artifacts[0].Tag)
	assert.Equal(t, "app-1-0123abcd", artifacts[1].Tag)
	assert.Equal(t, base, artifacts[1].CreatedAt)

	limited, err := client.ListArtifacts(ctx, "app-1-", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	exists, err := client.TagExists(ctx, "app-1-0123abcd")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = client.TagExists(ctx, "app-1-ffffffff")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNewRejectsInvalidRepository(t *testing.T) {
	_, err := New(context.Background(), config.RegistryConfig{Repository: "Invalid Repo"})
	assert.Error(t, err)
}

func TestNewAuthSelection(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.RegistryConfig
		wantAuth bool
	}{
		{"basic credentials", config.RegistryConfig{Repository: "ghcr.io/acme/apps", Username: "u", Password: "p"}, true},
		{"keychain", config.RegistryConfig{Repository: "ghcr.io/acme/apps"}, false},
		{"username only", config.RegistryConfig{Repository: "ghcr.io/acme/apps", Username: "u"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(context.Background(), tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAuth, client.auth != nil)
		})
	}
}

type fakeTokenAPI struct {
	out *ecr.GetAuthorizationTokenOutput
	err error
}

func (f *fakeTokenAPI) GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
	return f.out, f.err
}

func tokenOutput(token string) *ecr.GetAuthorizationTokenOutput {
	return &ecr.GetAuthorizationTokenOutput{
		AuthorizationData: []ecrtypes.AuthorizationData{{AuthorizationToken: aws.String(token)}},
	}
}

func TestECRAuthenticator(t *testing.T) {
	tests := []struct {
		name    string
		api     *fakeTokenAPI
		want    *authn.Basic
		wantErr bool
	}{
		{
			name: "valid token",
			api:  &fakeTokenAPI{out: tokenOutput(base64.StdEncoding.EncodeToString([]byte("AWS:pa:ss")))},
			want: &authn.Basic{Username: "AWS", Password: "pa:ss"},
		},
		{name: "api error", api: &fakeTokenAPI{err: errors.New("access denied")}, wantErr: true},
		{name: "no data", api: &fakeTokenAPI{out: &ecr.GetAuthorizationTokenOutput{}}, wantErr: true},
		{name: "not base64", api: &fakeTokenAPI{out: tokenOutput("%%%")}, wantErr: true},
		{name: "no separator", api: &fakeTokenAPI{out: tokenOutput(base64.StdEncoding.EncodeToString([]byte("AWS")))}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth, err := ecrAuthenticator(context.Background(), tt.api)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, auth)
		})
	}
}

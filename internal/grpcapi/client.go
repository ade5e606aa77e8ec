package grpcapi

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"authgate.org/internal/auth"
	"authgate.org/internal/keyexchange"
)

// Client calls AuthService with the JSON codec.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to target. Plaintext transport unless opts override it.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient wraps an existing connection; Close leaves it open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}

// WithBearer attaches an access token to outgoing calls made with ctx.
func WithBearer(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
}

func (c *Client) GetTransportKey(ctx context.Context) (*TransportKey, error) {
	out := new(TransportKey)
	if err := c.invoke(ctx, "GetTransportKey", &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Login(ctx context.Context, in *LoginRequest) (*LoginResponse, error) {
	out := new(LoginResponse)
	if err := c.invoke(ctx, "Login", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Refresh(ctx context.Context, in *RefreshRequest) (*RefreshResponse, error) {
	out := new(RefreshResponse)
	if err := c.invoke(ctx, "Refresh", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Logout(ctx context.Context, in *LogoutRequest) error {
	return c.invoke(ctx, "Logout", in, &Empty{})
}

func (c *Client) GetIssuerId(ctx context.Context) (string, error) {
	out := new(IssuerIDResponse)
	if err := c.invoke(ctx, "GetIssuerId", &Empty{}, out); err != nil {
		return "", err
	}
	return out.IssuerID, nil
}

func (c *Client) GetProcedureAccess(ctx context.Context) ([]auth.Grant, error) {
	out := new(ProcedureAccessResponse)
	if err := c.invoke(ctx, "GetProcedureAccess", &Empty{}, out); err != nil {
		return nil, err
	}
	return out.Grants, nil
}

func (c *Client) GetRoleAccess(ctx context.Context) ([]auth.RoleGrant, error) {
	out := new(RoleAccessResponse)
	if err := c.invoke(ctx, "GetRoleAccess", &Empty{}, out); err != nil {
		return nil, err
	}
	return out.Roles, nil
}

func (c *Client) IssuerLogin(ctx context.Context, in *IssuerLoginRequest) (*IssuerLoginResponse, error) {
	out := new(IssuerLoginResponse)
	if err := c.invoke(ctx, "IssuerLogin", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	out := new(ListSessionsResponse)
	if err := c.invoke(ctx, "ListSessions", &ListSessionsRequest{UserID: userID}, out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) RevokeSession(ctx context.Context, in *RevokeSessionRequest) error {
	return c.invoke(ctx, "RevokeSession", in, &Empty{})
}

func (c *Client) Register(ctx context.Context, in *RegisterRequest) (string, error) {
	out := new(RegisterResponse)
	if err := c.invoke(ctx, "Register", in, out); err != nil {
		return "", err
	}
	return out.UserID, nil
}

// sealPassword fetches a transport key and encrypts password to it.
func (c *Client) sealPassword(ctx context.Context, password string) (string, []byte, error) {
	key, err := c.GetTransportKey(ctx)
	if err != nil {
		return "", nil, err
	}
	sealed, err := keyexchange.Encrypt([]byte(password), key.PublicKey)
	if err != nil {
		return "", nil, err
	}
	return key.KeyID, sealed, nil
}

// LoginWithPassword runs the key exchange and logs in. issuerID and role may be empty.
func (c *Client) LoginWithPassword(ctx context.Context, issuerID, username, password, role string) (*LoginResponse, error) {
	keyID, sealed, err := c.sealPassword(ctx, password)
	if err != nil {
		return nil, err
	}
	return c.Login(ctx, &LoginRequest{
		IssuerID:          issuerID,
		KeyID:             keyID,
		Username:          username,
		EncryptedPassword: sealed,
		Role:              role,
	})
}

// RegisterWithPassword runs the key exchange and creates an account.
func (c *Client) RegisterWithPassword(ctx context.Context, username, password, displayName, email string) (string, error) {
	keyID, sealed, err := c.sealPassword(ctx, password)
	if err != nil {
		return "", err
	}
	return c.Register(ctx, &RegisterRequest{
		KeyID:             keyID,
		Username:          username,
		EncryptedPassword: sealed,
		DisplayName:       displayName,
		Email:             email,
	})
}

// IssuerCredentials is the decrypted result of an issuer login.
type IssuerCredentials struct {
	IssuerID string
	Secret   auth.Secret
	Grants   []auth.Grant
}

// IssuerLoginWithPassword authenticates as an issuer. The rotated signing
// secret comes back sealed to a keypair generated here for this call only.
func (c *Client) IssuerLoginWithPassword(ctx context.Context, issuerID, password string) (IssuerCredentials, error) {
	priv, err := keyexchange.Generate()
	if err != nil {
		return IssuerCredentials{}, err
	}
	pub, err := keyexchange.Export(&priv.PublicKey)
	if err != nil {
		return IssuerCredentials{}, err
	}
	keyID, sealed, err := c.sealPassword(ctx, password)
	if err != nil {
		return IssuerCredentials{}, err
	}
	resp, err := c.IssuerLogin(ctx, &IssuerLoginRequest{
		IssuerID:          issuerID,
		KeyID:             keyID,
		EncryptedPassword: sealed,
		PublicKey:         pub,
	})
	if err != nil {
		return IssuerCredentials{}, err
	}
	secret, err := keyexchange.Decrypt(resp.EncryptedSecret, priv)
	if err != nil {
		return IssuerCredentials{}, err
	}
	return IssuerCredentials{IssuerID: resp.IssuerID, Secret: auth.Secret(secret), Grants: resp.Grants}, nil
}

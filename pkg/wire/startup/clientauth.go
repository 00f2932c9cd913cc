package startup

import (
	"crypto/subtle"

	"github.com/jackc/pgproto3/v2"

	"github.com/cipherstash/csproxy/pkg/csproxyerr"
	"github.com/cipherstash/csproxy/pkg/wire"
)

// CompleteClientAuth authenticates the connecting client independently
// of the upstream dial. The proxy always challenges with cleartext
// password and checks it against the same credential it uses upstream,
// since operators run one shared service account per proxy rather than
// a per-client credential store.
//
// clientPID and clientSecret are the client-visible BackendKeyData the
// caller synthesizes for this connection.
func CompleteClientAuth(client *wire.ClientCodec, expectedPassword string, clientPID, clientSecret uint32, paramStatuses map[string]string) error {
	client.SetAuthType(pgproto3.AuthTypeCleartextPassword)
	if err := client.Send(&pgproto3.AuthenticationCleartextPassword{}); err != nil {
		return err
	}

	msg, err := client.Receive()
	if err != nil {
		return err
	}
	pw, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return csproxyerr.ErrProtocolUnexpected
	}

	if subtle.ConstantTimeCompare([]byte(pw.Password), []byte(expectedPassword)) != 1 {
		client.Send(&pgproto3.ErrorResponse{Severity: "FATAL", Code: "28P01", Message: "password authentication failed"})
		return csproxyerr.ErrAuthFailed
	}

	if err := client.Send(&pgproto3.AuthenticationOk{}); err != nil {
		return err
	}
	for name, value := range paramStatuses {
		if err := client.Send(&pgproto3.ParameterStatus{Name: name, Value: value}); err != nil {
			return err
		}
	}
	if err := client.Send(&pgproto3.BackendKeyData{ProcessID: clientPID, SecretKey: clientSecret}); err != nil {
		return err
	}
	return client.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
}

package session

import (
	"errors"
	"fmt"
	"net"

	"github.com/xdg-go/scram"

	"github.com/cipherstash/pgproxy/internal/pgwire"
)

// ScramAuthenticate drives the client side of a SCRAM-SHA-256 conversation
// against the upstream server, per RFC 5802 as adapted by the Postgres
// wire protocol (§4.2, §6). mechanisms is the list offered in the server's
// AuthenticationSASL message.
//
// SCRAM-SHA-256-PLUS (channel binding to the upstream TLS session) is not
// negotiated: binding requires the exact tls-server-end-point hash of the
// upstream certificate threaded through from the dialer, which the
// connection-setup path here does not yet carry. Falling back to
// SCRAM-SHA-256 is safe — the server only downgrades if it also offers the
// unbound mechanism.
func ScramAuthenticate(conn net.Conn, user, password string, mechanisms []string) error {
	mech, err := pickMechanism(mechanisms)
	if err != nil {
		return err
	}

	hash := scram.SHA256
	client, err := hash.NewClient(user, password, "")
	if err != nil {
		return fmt.Errorf("scram: new client: %w", err)
	}

	conv := client.NewConversation()

	clientFirst, err := conv.Step("")
	if err != nil {
		return fmt.Errorf("scram: client-first: %w", err)
	}
	if err := pgwire.WriteMessage(conn, pgwire.MsgPassword,
		pgwire.BuildSASLInitialResponse(mech, []byte(clientFirst))); err != nil {
		return err
	}

	msgType, payload, err := pgwire.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("scram: reading server-first: %w", err)
	}
	if msgType != pgwire.MsgAuthentication {
		return fmt.Errorf("scram: expected authentication message, got %c", msgType)
	}
	authType, body, err := splitAuthMessage(payload)
	if err != nil {
		return err
	}
	if authType != pgwire.AuthSASLContinue {
		return fmt.Errorf("scram: expected AuthenticationSASLContinue, got type %d", authType)
	}

	clientFinal, err := conv.Step(string(body))
	if err != nil {
		return fmt.Errorf("scram: client-final: %w", err)
	}
	if err := pgwire.WriteMessage(conn, pgwire.MsgPassword, pgwire.BuildSASLResponse([]byte(clientFinal))); err != nil {
		return err
	}

	msgType, payload, err = pgwire.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("scram: reading server-final: %w", err)
	}
	if msgType != pgwire.MsgAuthentication {
		return fmt.Errorf("scram: expected authentication message, got %c", msgType)
	}
	authType, body, err = splitAuthMessage(payload)
	if err != nil {
		return err
	}
	if authType != pgwire.AuthSASLFinal {
		return fmt.Errorf("scram: expected AuthenticationSASLFinal, got type %d", authType)
	}
	if _, err := conv.Step(string(body)); err != nil {
		return fmt.Errorf("scram: server verification failed: %w", err)
	}
	if !conv.Done() {
		return errors.New("scram: conversation did not complete")
	}
	return nil
}

const mechanismScramSHA256 = "SCRAM-SHA-256"

func pickMechanism(offered []string) (string, error) {
	for _, m := range offered {
		if m == mechanismScramSHA256 {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: no supported SASL mechanism in %v", pgwire.ErrUnsupportedAuth, offered)
}

func splitAuthMessage(payload []byte) (authType int32, body []byte, err error) {
	if len(payload) < 4 {
		return 0, nil, errors.New("invalid authentication message")
	}
	authType = int32(payload[0])<<24 | int32(payload[1])<<16 | int32(payload[2])<<8 | int32(payload[3])
	return authType, payload[4:], nil
}

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/bastion-dev/bastion/internal/common/errors"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

// handshake runs the challenge protocol on a fresh connection:
//
//	agent: CONNECT{public_key} | REGISTER{token, public_key}
//	cp:    CHALLENGE{nonce}
//	agent: RESPONSE{signature over nonce}
//	cp:    AUTHORIZED | REGISTERED{server_id, cp_public_key}
//
// Identity is proven by signature, never asserted: the node record is looked
// up by public key, and a registration token is consumed only after the key
// signature verifies.
func (s *AgentSession) handshake(ctx context.Context) error {
	env, err := s.readFrame()
	if err != nil {
		return fmt.Errorf("awaiting identity: %w", err)
	}

	var (
		registering  bool
		token        string
		agentVersion string
	)
	switch env.Type {
	case protocol.TypeConnect:
		var p protocol.ConnectPayload
		if err := env.ParsePayload(&p); err != nil {
			return apperrors.AuthFailure("malformed CONNECT payload")
		}
		s.pubKeyPEM = p.PublicKey
		agentVersion = p.Version
	case protocol.TypeRegister:
		var p protocol.RegisterPayload
		if err := env.ParsePayload(&p); err != nil {
			return apperrors.AuthFailure("malformed REGISTER payload")
		}
		if p.Token == "" {
			return apperrors.AuthFailure("registration token is required")
		}
		registering = true
		token = p.Token
		s.pubKeyPEM = p.PublicKey
		agentVersion = p.Version
	default:
		return apperrors.AuthFailure(fmt.Sprintf("expected CONNECT or REGISTER, got %s", env.Type))
	}

	pub, err := protocol.DecodePublicKey(s.pubKeyPEM)
	if err != nil {
		return apperrors.AuthFailure("invalid public key")
	}
	s.pubKey = pub
	s.keyFP = keyFingerprint(pub)

	// Known identities are resolved before the challenge so an unknown key
	// is refused without burning a round trip.
	if !registering {
		node, err := s.dir.NodeByPublicKey(ctx, s.pubKeyPEM)
		if err != nil {
			if apperrors.IsNotFound(err) {
				return apperrors.AuthFailure("unknown agent identity")
			}
			return err
		}
		s.node = node
	}

	nonce, err := protocol.NewNonce()
	if err != nil {
		return err
	}
	if err := s.writeFrame(protocol.TypeChallenge, protocol.ChallengePayload{Nonce: nonce}); err != nil {
		return fmt.Errorf("sending challenge: %w", err)
	}

	env, err = s.readFrame()
	if err != nil {
		return fmt.Errorf("awaiting response: %w", err)
	}
	if env.Type != protocol.TypeResponse {
		return apperrors.AuthFailure(fmt.Sprintf("expected RESPONSE, got %s", env.Type))
	}
	var resp protocol.ResponsePayload
	if err := env.ParsePayload(&resp); err != nil {
		return apperrors.AuthFailure("malformed RESPONSE payload")
	}
	if !protocol.VerifyChallenge(s.pubKey, nonce, resp.Signature) {
		return apperrors.AuthFailure("challenge signature verification failed")
	}

	// The token is consumed only now, after proof of key possession, so a
	// stolen token without the matching private key stays unconsumed.
	if registering {
		node, err := s.dir.RegisterNode(ctx, token, s.pubKeyPEM, agentVersion)
		if err != nil {
			return err
		}
		s.node = node
	}

	s.authorized = true
	s.registry.Authorize(s)

	if registering {
		cpPub, encErr := protocol.EncodePublicKey(s.identity.Public)
		if encErr != nil {
			return encErr
		}
		err = s.writeFrame(protocol.TypeRegistered, protocol.RegisteredPayload{
			ServerID:    s.serverID,
			CPPublicKey: cpPub,
		})
	} else {
		err = s.writeFrame(protocol.TypeAuthorized, protocol.AuthorizedPayload{SessionID: s.connID})
	}
	if err != nil {
		return fmt.Errorf("sending authorization: %w", err)
	}

	s.logger.Info("Agent session authorized",
		zap.String("node_id", s.node.ID),
		zap.String("owner_id", s.node.OwnerID),
		zap.Bool("registered", registering))
	return nil
}

// readFrame reads one envelope during the handshake, under the per-step
// deadline set on the connection.
func (s *AgentSession) readFrame() (*protocol.Envelope, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.hsTO))
	_, message, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &env, nil
}

// writeFrame writes one envelope synchronously. Handshake frames bypass the
// send queue because the write pump has not started yet.
func (s *AgentSession) writeFrame(frameType string, payload any) error {
	env, err := protocol.NewEnvelope(frameType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

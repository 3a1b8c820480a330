package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"ichnaea/pkg/identity"
	"ichnaea/pkg/session"
	"ichnaea/pkg/store"
)

const (
	TypeJoin            = "swarm:join"
	TypeLeave           = "swarm:leave"
	TypeState           = "swarm:state"
	TypeUpdate          = "swarm:update"
	TypeRequestIdentity = "request-identity"
	TypeIdentity        = "identity"
	TypeContactRequest  = "contact:request"
	TypeContactAccept   = "contact:accept"
	TypeContactApprove  = "contact:approve"
	TypeContactDeny     = "contact:deny"
	TypeContactList     = "contact:list"
	TypeContact         = "contact"
	TypeContacts        = "contacts"
	TypeError           = "error"
)

// MaxLineSize bounds a single request line.
const MaxLineSize = 64 << 10

var ErrUnknownRequest = errors.New("unknown request type")

type Session interface {
	Join(ctx context.Context, token string) (session.State, error)
	Leave(ctx context.Context) error
	State() session.State
	OnUpdate(fn func(session.State)) func()
}

type Contacts interface {
	CreateOutgoingRequest() (store.Contact, string, error)
	AcceptIncomingToken(token string) (store.Contact, error)
	Approve(id string) (store.Contact, error)
	Deny(id string) (store.Contact, error)
	ListContacts() ([]store.ContactSummary, error)
}

var (
	_ Session  = &session.Manager{}
	_ Contacts = &store.Store{}
)

type Request struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	ID    string `json:"id,omitempty"`
}

// Response is every message written to the client. Only the fields of its
// type are set.
type Response struct {
	Type      string                 `json:"type"`
	State     *session.State         `json:"state,omitempty"`
	PublicKey string                 `json:"publicKey,omitempty"`
	Created   int64                  `json:"created,omitempty"`
	Contact   *store.Contact         `json:"contact,omitempty"`
	Token     string                 `json:"token,omitempty"`
	Contacts  []store.ContactSummary `json:"contacts,omitempty"`
	Request   string                 `json:"request,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Server answers control requests from a local user interface.
type Server struct {
	session  Session
	contacts Contacts
	identity identity.Public
}

func NewServer(sess Session, contacts Contacts, id identity.Public) *Server {
	return &Server{
		session:  sess,
		contacts: contacts,
		identity: id,
	}
}

// Serve reads newline delimited requests from r and writes responses and state
// updates to w until r is exhausted or ctx is done.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	log := logr.FromContextOrDiscard(ctx).WithName("control")

	var writeMu sync.Mutex
	enc := json.NewEncoder(w)
	write := func(resp Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := enc.Encode(resp); err != nil {
			log.Error(err, "could not write response", "type", resp.Type)
		}
	}

	unsubscribe := s.session.OnUpdate(func(state session.State) {
		write(Response{Type: TypeUpdate, State: &state})
	})
	defer unsubscribe()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 4096), MaxLineSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("could not read control request: %w", err)
					}
				default:
				}
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			req, err := parseRequest(line)
			if err != nil {
				log.V(4).Info("invalid control request", "err", err.Error())
				write(Response{Type: TypeError, Error: err.Error()})
				continue
			}
			resp, err := s.Handle(ctx, req)
			if err != nil {
				log.Error(err, "control request failed", "type", req.Type)
				write(Response{Type: TypeError, Request: req.Type, Error: err.Error()})
				continue
			}
			write(resp)
		}
	}
}

// Handle answers a single request.
func (s *Server) Handle(ctx context.Context, req Request) (Response, error) {
	switch req.Type {
	case TypeJoin:
		if strings.TrimSpace(req.Token) == "" {
			return Response{}, store.ErrTokenRequired
		}
		state, err := s.session.Join(ctx, strings.TrimSpace(req.Token))
		if err != nil {
			return Response{}, err
		}
		return Response{Type: TypeState, State: &state}, nil
	case TypeLeave:
		err := s.session.Leave(ctx)
		if err != nil {
			return Response{}, err
		}
		state := s.session.State()
		return Response{Type: TypeState, State: &state}, nil
	case TypeRequestIdentity:
		return Response{Type: TypeIdentity, PublicKey: s.identity.PublicKey, Created: s.identity.Created}, nil
	case TypeContactRequest:
		contact, token, err := s.contacts.CreateOutgoingRequest()
		if err != nil {
			return Response{}, err
		}
		return Response{Type: TypeContact, Contact: &contact, Token: token}, nil
	case TypeContactAccept:
		contact, err := s.contacts.AcceptIncomingToken(req.Token)
		if err != nil {
			return Response{}, err
		}
		return Response{Type: TypeContact, Contact: &contact}, nil
	case TypeContactApprove:
		contact, err := s.contacts.Approve(req.ID)
		if err != nil {
			return Response{}, err
		}
		return Response{Type: TypeContact, Contact: &contact}, nil
	case TypeContactDeny:
		contact, err := s.contacts.Deny(req.ID)
		if err != nil {
			return Response{}, err
		}
		return Response{Type: TypeContact, Contact: &contact}, nil
	case TypeContactList:
		contacts, err := s.contacts.ListContacts()
		if err != nil {
			return Response{}, err
		}
		return Response{Type: TypeContacts, Contacts: contacts}, nil
	default:
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownRequest, req.Type)
	}
}

// parseRequest accepts a JSON request or a bare request type such as
// request-identity.
func parseRequest(line string) (Request, error) {
	if !strings.HasPrefix(line, "{") {
		return Request{Type: line}, nil
	}
	req := Request{}
	err := json.Unmarshal([]byte(line), &req)
	if err != nil {
		return Request{}, fmt.Errorf("could not parse request: %w", err)
	}
	if req.Type == "" {
		return Request{}, errors.New("request type required")
	}
	return req, nil
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/cretz/omm/pkg/discovery"
	"github.com/cretz/omm/pkg/log"
	"github.com/cretz/omm/pkg/transport"
)

type ServerConfig struct {
	// Required. Not closed on Close.
	Provider Provider
	// If empty, it is ":0"
	ListenAddr string
	// If empty, no WebSocket listener is started
	WebSocketAddr string
	// If empty, it is "/"
	WebSocketPath string
	// If true, the socket listener is advertised over mDNS
	Advertise bool
	// If empty, is "omm"
	AdvertiseInstance string
	// If any value here is empty, it is considered a delete
	AdvertiseTextOverrides map[string]string
	// If empty, uses all
	AdvertiseIfaces []net.Interface
	Channel         transport.ChannelConfig
	// If empty, uses log.NopLog
	Log log.Log
}

// Do not re-assign any fields here
type Server struct {
	ServerConfig
	Listener transport.Listener
	// Nil if WebSocketAddr is empty
	WebSocketListener net.Listener
	// Nil if Advertise is false
	Advertisement *discovery.Advertisement

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
}

func Listen(config ServerConfig) (*Server, error) {
	if config.Provider == nil {
		return nil, fmt.Errorf("missing provider")
	}
	s := &Server{ServerConfig: config}
	if s.Log == nil {
		s.Log = log.NopLog()
	}
	if s.Channel.Log == nil {
		s.Channel.Log = s.Log
	}
	if s.WebSocketPath == "" {
		s.WebSocketPath = "/"
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	success := false
	defer func() {
		if !success {
			s.Close()
		}
	}()
	var err error
	s.Log.Debugf("Starting socket listener on %v", s.ListenAddr)
	if s.Listener, err = transport.ListenTCP(s.ListenAddr, s.Channel); err != nil {
		return nil, err
	}
	addr, _ := s.Listener.Addr().(*net.TCPAddr)
	if addr == nil {
		return nil, fmt.Errorf("listener is not TCP")
	}
	wsPort := 0
	if s.WebSocketAddr != "" {
		s.Log.Debugf("Starting WebSocket listener on %v", s.WebSocketAddr)
		if s.WebSocketListener, err = net.Listen("tcp", s.WebSocketAddr); err != nil {
			return nil, fmt.Errorf("failed starting WebSocket listener: %w", err)
		}
		if wsAddr, _ := s.WebSocketListener.Addr().(*net.TCPAddr); wsAddr != nil {
			wsPort = wsAddr.Port
		}
		mux := http.NewServeMux()
		mux.Handle(s.WebSocketPath, transport.WebSocketHandler(s.Channel, s.serveLogged))
		s.httpServer = &http.Server{Handler: mux}
		go func(l net.Listener) {
			if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Log.Warnf("WebSocket server failed: %v", err)
			}
		}(s.WebSocketListener)
	}
	if s.Advertise {
		var names []string
		for _, svc := range s.Provider.Services() {
			names = append(names, svc.Info.Name)
		}
		s.Advertisement, err = discovery.Advertise(discovery.AdvertiseConfig{
			Port:          addr.Port,
			Instance:      s.AdvertiseInstance,
			WebSocketPort: wsPort,
			Services:      names,
			TextOverrides: s.AdvertiseTextOverrides,
			Ifaces:        s.AdvertiseIfaces,
			Log:           s.Log,
		})
		if err != nil {
			return nil, err
		}
	}
	success = true
	return s, nil
}

// Runs until error or close. Each accepted channel is served on its own
// goroutine. Always returns error.
func (s *Server) Serve() error {
	for {
		s.Log.Debugf("Waiting for connection")
		ch, err := s.Listener.Accept()
		if err != nil {
			return err
		}
		go s.serveLogged(ch)
	}
}

func (s *Server) serveLogged(ch transport.Channel) {
	if err := s.ServeChannel(ch); errors.Is(err, io.EOF) {
		s.Log.Infof("Consumer closed channel %v", ch.Info().ID)
	} else if errors.Is(err, context.Canceled) {
		s.Log.Infof("Provider closed channel %v", ch.Info().ID)
	} else {
		s.Log.Warnf("Channel %v failed: %v", ch.Info().ID, err)
	}
}

// Blocks and will close ch when done
func (s *Server) ServeChannel(ch transport.Channel) error {
	return s.Provider.ServeChannel(s.ctx, ch)
}

// Addr is the socket listener address.
func (s *Server) Addr() string {
	return s.Listener.Addr().String()
}

func (s *Server) Close() error {
	s.cancel()
	var lastErr error
	if s.Advertisement != nil {
		s.Log.Debugf("Closing mDNS server")
		s.Advertisement.Shutdown()
		s.Advertisement = nil
	}
	if s.httpServer != nil {
		s.Log.Debugf("Closing WebSocket server")
		if err := s.httpServer.Close(); err != nil {
			lastErr = err
		}
		s.httpServer = nil
	} else if s.WebSocketListener != nil {
		if err := s.WebSocketListener.Close(); err != nil {
			lastErr = err
		}
	}
	if s.Listener != nil {
		s.Log.Debugf("Closing socket listener")
		if err := s.Listener.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/pingcap-incubator/tinytablet/kv/config"
	"github.com/pingcap-incubator/tinytablet/kv/tablet/peer"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/unrolled/render"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthService is the name the tablet reports its serving status under.
const HealthService = "tinytablet.Tablet"

const (
	grpcInitialWindowSize     = 1 << 30
	grpcInitialConnWindowSize = 1 << 30
)

// Server faces outwards: a gRPC health endpoint on the store address and an HTTP API for data,
// status and debugging on the status address.
type Server struct {
	cfg    *config.Config
	peer   *peer.TabletPeer
	rd     *render.Render
	health *health.Server
}

func NewServer(cfg *config.Config, p *peer.TabletPeer) *Server {
	return &Server{
		cfg:    cfg,
		peer:   p,
		rd:     render.New(render.Options{IndentJSON: true}),
		health: health.NewServer(),
	}
}

// Router serves the HTTP API.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/kv", s.RawScan).Methods("GET")
	router.HandleFunc("/kv/{key}", s.RawGet).Methods("GET")
	router.HandleFunc("/kv/{key}", s.RawPut).Methods("PUT", "POST")
	router.HandleFunc("/kv/{key}", s.RawDelete).Methods("DELETE")
	router.HandleFunc(raftPath, s.RaftMessage).Methods("POST")
	s.registerStatusRoutes(router)
	return router
}

func (s *Server) newGrpcServer() *grpc.Server {
	var alivePolicy = keepalive.EnforcementPolicy{
		MinTime:             2 * time.Second, // If a client pings more than once every 2 seconds, terminate the connection
		PermitWithoutStream: true,            // Allow pings even when there are no active streams
	}
	grpcServer := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(alivePolicy),
		grpc.InitialWindowSize(grpcInitialWindowSize),
		grpc.InitialConnWindowSize(grpcInitialConnWindowSize),
		grpc.MaxRecvMsgSize(10*1024*1024),
		grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	)
	healthpb.RegisterHealthServer(grpcServer, s.health)
	grpc_prometheus.Register(grpcServer)
	return grpcServer
}

// Run serves until ctx is done or a listener fails, then stops both servers and closes the peer.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.StoreAddr)
	if err != nil {
		return errors.Annotatef(err, "listen on %s", s.cfg.StoreAddr)
	}
	grpcServer := s.newGrpcServer()
	httpServer := &http.Server{Addr: s.cfg.StatusAddr, Handler: s.Router()}

	s.peer.Start()
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("grpc server listening", zap.String("addr", s.cfg.StoreAddr))
		return errors.Trace(grpcServer.Serve(l))
	})
	g.Go(func() error {
		log.Info("status server listening", zap.String("addr", s.cfg.StatusAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return errors.Trace(err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("status server shutdown", zap.Error(err))
		}
		grpcServer.GracefulStop()
		return errors.Trace(s.peer.Close())
	})
	err = g.Wait()
	log.Info("server stopped", zap.Error(err))
	return err
}

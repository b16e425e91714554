// Package feed implements the gRPC client for the packet feed service.
//
// The feed delivers captured packet frames over a bidirectional gRPC
// stream. The client manages the connection, handles the subscription,
// and provides a channel-based API for receiving packets. It
// automatically reconnects on connection loss with exponential backoff.
package feed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Client errors.
var (
	ErrNotConnected     = errors.New("feed client not connected")
	ErrAlreadyConnected = errors.New("feed client already connected")
	ErrClosed           = errors.New("feed client closed")
	ErrStreamClosed     = errors.New("feed stream closed")
	ErrMaxReconnects    = errors.New("max reconnection attempts reached")
)

// Client is a packet feed gRPC client.
type Client struct {
	config Config

	// gRPC connection and stream
	conn   *grpc.ClientConn
	stream *feedStream

	// Output channel
	packets chan *Packet

	// State management
	mu             sync.RWMutex
	connected      atomic.Bool
	closed         atomic.Bool
	lastSeq        atomic.Uint64
	lastUpdate     atomic.Int64 // Unix nano timestamp
	reconnectCount atomic.Int32
	pingID         atomic.Int32
	dropped        atomic.Uint64
	cancelFunc     context.CancelFunc
	wg             sync.WaitGroup
	lastError      error
	lastErrorMu    sync.RWMutex

	// Context for the current connection
	ctx context.Context
}

// feedStream wraps a gRPC bidirectional stream for feed subscriptions.
type feedStream struct {
	stream grpc.ClientStream
}

// Send sends a subscription request to the server.
func (s *feedStream) Send(req *subscribeRequest) error {
	return s.stream.SendMsg(req)
}

// Recv receives a subscription update from the server.
func (s *feedStream) Recv() (*subscribeUpdate, error) {
	update := &subscribeUpdate{}
	if err := s.stream.RecvMsg(update); err != nil {
		return nil, err
	}
	return update, nil
}

// CloseSend closes the send side of the stream.
func (s *feedStream) CloseSend() error {
	return s.stream.CloseSend()
}

// subscribeRequest is the wire form of the feed SubscribeRequest message.
// Defined here with protobuf tags to avoid a proto generation step.
type subscribeRequest struct {
	Sources []string     `protobuf:"bytes,1,rep,name=sources"`
	SnapLen uint32       `protobuf:"varint,2,opt,name=snap_len"`
	FromSeq *uint64      `protobuf:"varint,3,opt,name=from_seq"`
	Ping    *pingRequest `protobuf:"bytes,4,opt,name=ping"`
}

func (x *subscribeRequest) Reset()         { *x = subscribeRequest{} }
func (x *subscribeRequest) String() string { return fmt.Sprintf("%+v", *x) }
func (x *subscribeRequest) ProtoMessage()  {}

type pingRequest struct {
	ID int32 `protobuf:"varint,1,opt,name=id"`
}

// subscribeUpdate is the wire form of the feed SubscribeUpdate message.
type subscribeUpdate struct {
	Packet *packetUpdate `protobuf:"bytes,1,opt,name=packet"`
	Ping   *pingUpdate   `protobuf:"bytes,2,opt,name=ping"`
	Pong   *pongUpdate   `protobuf:"bytes,3,opt,name=pong"`
}

func (x *subscribeUpdate) Reset()         { *x = subscribeUpdate{} }
func (x *subscribeUpdate) String() string { return fmt.Sprintf("%+v", *x) }
func (x *subscribeUpdate) ProtoMessage()  {}

type packetUpdate struct {
	Seq        uint64     `protobuf:"varint,1,opt,name=seq"`
	Source     string     `protobuf:"bytes,2,opt,name=source"`
	Data       []byte     `protobuf:"bytes,3,opt,name=data"`
	OrigLen    uint32     `protobuf:"varint,4,opt,name=orig_len"`
	CapturedAt *timestamp `protobuf:"bytes,5,opt,name=captured_at"`
}

type timestamp struct {
	Seconds int64 `protobuf:"varint,1,opt,name=seconds"`
	Nanos   int32 `protobuf:"varint,2,opt,name=nanos"`
}

type pingUpdate struct{}

type pongUpdate struct {
	ID int32 `protobuf:"varint,1,opt,name=id"`
}

// NewClient creates a new feed client with the given configuration.
// The client is not connected until Connect() is called.
func NewClient(config Config) (*Client, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		config:  config,
		packets: make(chan *Packet, config.PacketChannelSize),
	}, nil
}

// Connect establishes the gRPC connection and starts the subscription.
// This method blocks until the connection is established or an error occurs.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}

	// Create a cancellable context for this connection
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.ctx = ctx

	// Establish connection
	if err := c.connect(ctx); err != nil {
		cancel()
		return err
	}

	// Start the receive loop
	c.wg.Add(1)
	go c.receiveLoop()

	// Start the ping loop for keepalive
	c.wg.Add(1)
	go c.pingLoop()

	// Start the health check loop
	c.wg.Add(1)
	go c.healthCheckLoop()

	c.connected.Store(true)
	c.lastUpdate.Store(time.Now().UnixNano())

	if c.config.OnConnect != nil {
		c.config.OnConnect()
	}

	return nil
}

// connect establishes the gRPC connection.
func (c *Client) connect(ctx context.Context) error {
	// Configure keepalive
	kacp := keepalive.ClientParameters{
		Time:                c.config.KeepaliveTime,
		Timeout:             c.config.KeepaliveTimeout,
		PermitWithoutStream: true,
	}

	// Configure dial options
	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(c.config.MaxMessageSize),
		),
	}

	// TLS configuration
	if c.config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{
				MinVersion: tls.VersionTLS12,
			}),
		))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Add authentication if configured
	if c.config.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{
			token:      c.config.ExpandedToken(),
			requireTLS: c.config.UseTLS,
		}))
	}

	// Dial the server using the legacy Dial API for compatibility
	//nolint:staticcheck // Using Dial for compatibility with older gRPC versions
	conn, err := grpc.Dial(c.config.Endpoint, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial gRPC: %w", err)
	}
	c.conn = conn

	// Create metadata context with custom headers
	md := metadata.New(c.config.Headers)
	streamCtx := metadata.NewOutgoingContext(ctx, md)

	// Create the bidirectional stream using raw gRPC
	streamDesc := &grpc.StreamDesc{
		StreamName:    "Subscribe",
		ServerStreams: true,
		ClientStreams: true,
	}

	stream, err := conn.NewStream(streamCtx, streamDesc, "/packetfeed.PacketFeed/Subscribe")
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create stream: %w", err)
	}

	// Wrap in our typed stream interface
	c.stream = &feedStream{stream: stream}

	// Send the subscription request
	if err := c.sendSubscribeRequest(); err != nil {
		stream.CloseSend()
		conn.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	return nil
}

// sendSubscribeRequest sends the subscription request to the server.
func (c *Client) sendSubscribeRequest() error {
	req := &subscribeRequest{
		Sources: c.config.Sources,
		SnapLen: c.config.SnapLen,
	}

	// Set starting sequence if configured
	if c.config.FromSeq != nil {
		req.FromSeq = c.config.FromSeq
	}

	return c.stream.Send(req)
}

// receiveLoop continuously receives updates from the gRPC stream.
func (c *Client) receiveLoop() {
	defer c.wg.Done()
	defer c.handleDisconnect(nil)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		update, err := c.stream.Recv()
		if err != nil {
			if err == io.EOF {
				c.setLastError(ErrStreamClosed)
				c.handleDisconnect(ErrStreamClosed)
				return
			}
			if c.ctx.Err() != nil {
				// Context cancelled, normal shutdown
				return
			}
			c.setLastError(err)
			c.handleDisconnect(err)
			return
		}

		c.lastUpdate.Store(time.Now().UnixNano())
		c.processUpdate(update)
	}
}

// processUpdate processes a single update from the stream.
func (c *Client) processUpdate(update *subscribeUpdate) {
	if update == nil {
		return
	}

	if update.Packet != nil {
		packet := c.convertPacket(update.Packet)
		c.lastSeq.Store(packet.Seq)

		// Call callback if configured
		if c.config.OnPacket != nil {
			c.config.OnPacket(packet)
		}

		// Send to channel (non-blocking with potential drop)
		select {
		case c.packets <- packet:
		default:
			// Channel full, drop oldest packet
			select {
			case <-c.packets:
				c.dropped.Add(1)
			default:
			}
			c.packets <- packet
		}
	}

	// Handle pong (keepalive response)
	if update.Pong != nil {
		// Pong received, connection is alive
	}
}

// convertPacket converts a protobuf packet update to our Packet type.
func (c *Client) convertPacket(pb *packetUpdate) *Packet {
	packet := &Packet{
		Seq:        pb.Seq,
		Source:     pb.Source,
		Data:       pb.Data,
		OrigLen:    pb.OrigLen,
		ReceivedAt: time.Now(),
	}

	if packet.OrigLen == 0 {
		packet.OrigLen = uint32(len(pb.Data))
	}

	if pb.CapturedAt != nil {
		packet.CapturedAt = time.Unix(pb.CapturedAt.Seconds, int64(pb.CapturedAt.Nanos))
	}

	return packet
}

// pingLoop sends periodic ping messages to keep the connection alive.
func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.connected.Load() {
				return
			}

			pingID := c.pingID.Add(1)
			req := &subscribeRequest{
				Ping: &pingRequest{ID: pingID},
			}

			if err := c.stream.Send(req); err != nil {
				// Ping failed, but don't disconnect yet - let health check handle it
				c.setLastError(err)
			}
		}
	}
}

// healthCheckLoop monitors connection health and triggers reconnection if needed.
func (c *Client) healthCheckLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.connected.Load() {
				return
			}

			// Check if we've received updates recently
			lastUpdate := time.Unix(0, c.lastUpdate.Load())
			if time.Since(lastUpdate) > c.config.StaleTimeout {
				c.setLastError(fmt.Errorf("connection stale: no updates for %v", time.Since(lastUpdate)))
				c.handleDisconnect(fmt.Errorf("connection stale"))
				return
			}
		}
	}
}

// handleDisconnect handles disconnection and optionally reconnects.
func (c *Client) handleDisconnect(err error) {
	if !c.connected.CompareAndSwap(true, false) {
		return // Already disconnected
	}

	// Call disconnect callback
	if c.config.OnDisconnect != nil {
		c.config.OnDisconnect(err)
	}

	// Clean up current connection
	if c.stream != nil {
		c.stream.CloseSend()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	// Attempt reconnection if not closed. Terminal errors such as
	// PermissionDenied do not retry.
	if !c.closed.Load() && (err == nil || isRetryableError(err)) {
		go c.reconnect()
	}
}

// reconnect attempts to reconnect with exponential backoff.
func (c *Client) reconnect() {
	backoff := c.config.ReconnectMinDelay
	attempt := 0

	for !c.closed.Load() {
		attempt++
		c.reconnectCount.Add(1)

		// Check max reconnects
		if c.config.MaxReconnects > 0 && attempt > c.config.MaxReconnects {
			c.setLastError(ErrMaxReconnects)
			return
		}

		// Wait before reconnecting
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		// Create new context for reconnection
		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancelFunc = cancel
		c.ctx = ctx
		c.mu.Unlock()

		// Attempt to connect
		if err := c.connect(ctx); err != nil {
			c.setLastError(err)
			// Exponential backoff
			backoff = minDuration(backoff*2, c.config.ReconnectMaxDelay)
			continue
		}

		// Reconnection successful
		c.connected.Store(true)
		c.lastUpdate.Store(time.Now().UnixNano())

		// Restart loops
		c.wg.Add(3)
		go c.receiveLoop()
		go c.pingLoop()
		go c.healthCheckLoop()

		// Call reconnect callback
		if c.config.OnReconnect != nil {
			c.config.OnReconnect(attempt)
		}

		return
	}
}

// Packets returns the channel for receiving packets.
func (c *Client) Packets() <-chan *Packet {
	return c.packets
}

// Dropped returns the number of packets dropped due to a full channel.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Health returns the current health status of the client.
func (c *Client) Health() ClientHealth {
	lastUpdate := time.Unix(0, c.lastUpdate.Load())
	latency := time.Since(lastUpdate)
	if c.connected.Load() && latency > c.config.StaleTimeout {
		latency = c.config.StaleTimeout
	}

	return ClientHealth{
		Connected:      c.connected.Load(),
		LastSeq:        c.lastSeq.Load(),
		LastUpdate:     lastUpdate,
		Provider:       c.config.Endpoint,
		Latency:        latency,
		ReconnectCount: int(c.reconnectCount.Load()),
		LastError:      c.getLastError(),
	}
}

// Close closes the client and releases all resources.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}

	// Cancel the context to stop all goroutines
	if c.cancelFunc != nil {
		c.cancelFunc()
	}

	// Wait for goroutines to finish
	c.wg.Wait()

	// Close the stream and connection
	if c.stream != nil {
		c.stream.CloseSend()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	// Close channels
	close(c.packets)

	return nil
}

// setLastError safely sets the last error.
func (c *Client) setLastError(err error) {
	c.lastErrorMu.Lock()
	c.lastError = err
	c.lastErrorMu.Unlock()
}

// getLastError safely gets the last error.
func (c *Client) getLastError() error {
	c.lastErrorMu.RLock()
	defer c.lastErrorMu.RUnlock()
	return c.lastError
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication.
type tokenAuth struct {
	token      string
	requireTLS bool
}

// GetRequestMetadata returns the authentication metadata.
func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		"x-token": t.token,
	}, nil
}

// RequireTransportSecurity returns whether TLS is required.
func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.requireTLS
}

// minDuration returns the minimum of two durations.
func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// isRetryableError returns true if the error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Check for gRPC status codes
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
			return true
		}
	}

	// Check for specific errors
	return errors.Is(err, io.EOF) || errors.Is(err, ErrStreamClosed)
}

package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/ccrelay/ccrelay/internal/secpath"
)

// handshakeConfig gates the subprocess handshake the way the hector
// plugin loader's HECTOR_PLUGIN cookie does, scoped to this project.
var handshakeConfig = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "CCRELAY_TRANSFORMER_PLUGIN",
	MagicCookieValue: "ccrelay_transformer_v1",
}

// CustomTransformer is the RPC contract a custom transformer executable
// implements, dispensed via net/rpc the way hashicorp/go-plugin's classic
// (non-gRPC) bridge works.
type CustomTransformer interface {
	RequestIn(reqJSON []byte) ([]byte, error)
	ResponseOut(bodyJSON []byte, streaming bool) ([]byte, error)
}

type transformerRPCClient struct{ client *rpc.Client }

func (c *transformerRPCClient) RequestIn(reqJSON []byte) ([]byte, error) {
	var resp []byte
	err := c.client.Call("Plugin.RequestIn", reqJSON, &resp)
	return resp, err
}

func (c *transformerRPCClient) ResponseOut(bodyJSON []byte, streaming bool) ([]byte, error) {
	var resp []byte
	args := struct {
		Body      []byte
		Streaming bool
	}{bodyJSON, streaming}
	err := c.client.Call("Plugin.ResponseOut", args, &resp)
	return resp, err
}

// transformerPlugin adapts CustomTransformer to go-plugin's Plugin
// interface for the net/rpc transport.
type transformerPlugin struct {
	Impl CustomTransformer
}

func (p *transformerPlugin) Server(*goplugin.MuxBroker) (any, error) {
	return &transformerRPCServer{impl: p.Impl}, nil
}

func (p *transformerPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (any, error) {
	return &transformerRPCClient{client: c}, nil
}

type transformerRPCServer struct{ impl CustomTransformer }

func (s *transformerRPCServer) RequestIn(args []byte, resp *[]byte) error {
	out, err := s.impl.RequestIn(args)
	*resp = out
	return err
}

func (s *transformerRPCServer) ResponseOut(args struct {
	Body      []byte
	Streaming bool
}, resp *[]byte) error {
	out, err := s.impl.ResponseOut(args.Body, args.Streaming)
	*resp = out
	return err
}

// pluginTransformer wraps a loaded subprocess so it satisfies Transformer.
type pluginTransformer struct {
	name   string
	client *goplugin.Client
	impl   CustomTransformer
}

func (t *pluginTransformer) Name() string { return t.name }

func (t *pluginTransformer) RequestIn(_ context.Context, req *Request) (*Request, error) {
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return nil, err
	}
	out, err := t.impl.RequestIn(payload)
	if err != nil {
		return nil, fmt.Errorf("transform: custom transformer %s: %w", t.name, err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		return nil, err
	}
	req.Body = decoded
	return req, nil
}

func (t *pluginTransformer) ResponseOut(_ context.Context, body []byte, state *StreamState) ([]byte, error) {
	out, err := t.impl.ResponseOut(body, state != nil)
	if err != nil {
		return nil, fmt.Errorf("transform: custom transformer %s: %w", t.name, err)
	}
	return out, nil
}

// Close terminates the plugin subprocess.
func (t *pluginTransformer) Close() {
	if t.client != nil {
		t.client.Kill()
	}
}

// Loader resolves and launches custom:<name> transformer executables
// under a trusted plugins root, grounded on the GRPCLoader pattern in
// hector/plugins/grpc/loader.go, simplified to go-plugin's classic
// net/rpc transport since a custom transformer only needs two RPCs.
type Loader struct {
	pluginsRoot string
	logger      hclog.Logger
}

func NewLoader(pluginsRoot string) *Loader {
	return &Loader{
		pluginsRoot: pluginsRoot,
		logger: hclog.New(&hclog.LoggerOptions{
			Name:  "ccrelay-transformer-plugin",
			Level: hclog.Warn,
		}),
	}
}

// Load launches the executable named rel (resolved securely under the
// plugins root) and returns a Transformer bound to its subprocess.
func (l *Loader) Load(name, rel string) (*pluginTransformer, error) {
	path, err := secpath.Resolve(l.pluginsRoot, rel)
	if err != nil {
		return nil, fmt.Errorf("transform: resolve plugin path for %s: %w", name, err)
	}

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: handshakeConfig,
		Plugins: map[string]goplugin.Plugin{
			"transformer": &transformerPlugin{},
		},
		Cmd:              exec.Command(path),
		Logger:           l.logger,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("transform: connect to plugin %s: %w", name, err)
	}

	raw, err := rpcClient.Dispense("transformer")
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("transform: dispense plugin %s: %w", name, err)
	}

	impl, ok := raw.(CustomTransformer)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("transform: plugin %s does not implement CustomTransformer", name)
	}

	return &pluginTransformer{name: name, client: client, impl: impl}, nil
}

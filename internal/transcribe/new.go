package transcribe

import "fmt"

// Engine names accepted by New.
const (
	EngineCLI    = "whisper-cli"
	EngineServer = "whisper-server"
)

// Options selects and configures a backend.
type Options struct {
	Engine    string
	Bin       string
	ModelPath string
	Language  string
	Threads   int
	ServerURL string
}

// New returns the backend named by opts.Engine.
func New(opts Options) (Engine, error) {
	switch opts.Engine {
	case EngineCLI, "":
		if opts.ModelPath == "" {
			return nil, fmt.Errorf("%s requires a model path", EngineCLI)
		}
		return NewCLI(opts.Bin, opts.ModelPath, opts.Language, opts.Threads), nil
	case EngineServer:
		if opts.ServerURL == "" {
			return nil, fmt.Errorf("%s requires a server URL", EngineServer)
		}
		return NewServer(opts.ServerURL, opts.Language), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", opts.Engine)
	}
}

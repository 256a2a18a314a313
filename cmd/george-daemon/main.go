package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	"george/internal/audio"
	"george/internal/config"
	"george/internal/ha"
	"george/internal/ipc"
	"george/internal/llm"
	"george/internal/notify"
	"george/internal/proxy"
	"george/internal/registry"
	"george/internal/route"
	"george/internal/tts"
	"george/internal/wakeword"
	"george/pkg/stt"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

const (
	commandWindow = 4 * time.Second
	cooldown      = time.Second
	settlePause   = 150 * time.Millisecond
)

func main() {
	envFile := cli.StringP("env", "e", config.EnvPath(), "Env file path")
	logLevel := cli.StringP("log", "l", "info", "Log level")
	cuePath := cli.String("beep", "beep.mp3", "Local cue file when no media player is set")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevelMap[*logLevel],
	})))

	log.Info("Booting up")

	cfg := config.Load(*envFile)

	home := ha.NewClient(cfg)
	reg := newRegistryCache(cfg.RegistryPath)
	if reg.get() == nil {
		log.Warn("No entity registry yet; run george-registry first", "path", cfg.RegistryPath)
	}

	var llmHTTP *http.Client
	if cfg.LLMProxy != "" {
		var err error
		llmHTTP, err = proxy.NewSocksClient(cfg.LLMProxy)
		if err != nil {
			log.Error("Failed to dial socks proxy", "proxy", cfg.LLMProxy, "err", err)
			os.Exit(1)
		}
		log.Debug("Loaded proxy")
	}
	completer := llm.NewClient(cfg.LLMURL, cfg.LLMModel, cfg.LLMAPIKey, llmHTTP)

	rec := audio.NewRecorder()
	if err := rec.Init(); err != nil {
		log.Error("Failed to init audio", "err", err)
		os.Exit(1)
	}
	defer rec.Close()

	log.Debug("Loaded recorder")

	scorer, err := wakeword.Dial(cfg.WakewordURL)
	if err != nil {
		log.Error("Failed to reach wakeword scorer", "url", cfg.WakewordURL, "err", err)
		os.Exit(1)
	}
	defer scorer.Close()

	log.Debug("Loaded wakeword scorer")

	transcriber := stt.NewClient(cfg.STTURL)

	handler := &route.Handler{
		LLM:       completer,
		Home:      &homeWithLocalVoice{Client: home},
		CuePlayer: cfg.CuePlayer,
		Registry:  reg.get,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := &daemon{
		cfg:         cfg,
		home:        home,
		rec:         rec,
		scorer:      scorer,
		transcriber: transcriber,
		handler:     handler,
		reg:         reg,
		cuePath:     *cuePath,
		texts:       make(chan string, 4),
		manual:      make(chan struct{}, 1),
		cooldown:    cooldown,
	}
	d.captureFn = d.capture

	go d.routerWorker(ctx)

	if err := ipc.StartServer(func(msg ipc.ControlMessage) {
		switch msg.Cmd {
		case "trigger":
			// Funnel into the listener loop so only one capture runs at a
			// time on the default device.
			select {
			case d.manual <- struct{}{}:
			default:
				log.Warn("capture already pending")
			}
		case "reload":
			reg.reload()
		default:
			log.Warn("Unknown command", "cmd", msg.Cmd)
		}
	}); err != nil {
		log.Error("Failed ipc server", "err", err)
		os.Exit(1)
	}

	log.Info("Boot up - successful")

	if err := d.listen(ctx); err != nil && ctx.Err() == nil {
		log.Error("Listener stopped", "err", err)
		os.Exit(1)
	}
}

type daemon struct {
	cfg         config.Settings
	home        *ha.Client
	rec         *audio.Recorder
	scorer      wakeword.Scorer
	transcriber stt.Transcriber
	handler     *route.Handler
	reg         *registryCache
	cuePath     string
	texts       chan string
	manual      chan struct{}
	cooldown    time.Duration
	captureFn   func(ctx context.Context, openEnded bool)
}

// listen scores microphone frames and fires captures.
func (d *daemon) listen(ctx context.Context) error {
	log.Info("Listening for wakeword", "threshold", wakeword.TriggerThreshold)

	frames, errc := d.rec.Frames(ctx)
	return d.loop(ctx, frames, errc)
}

func (d *daemon) loop(ctx context.Context, frames <-chan []int16, errc <-chan error) error {
	trigger := wakeword.NewTrigger()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case <-d.manual:
			// Manual trigger: no wakeword tail constrains the window, so
			// record until the speaker falls silent.
			d.captureFn(ctx, true)
			time.Sleep(d.cooldown)
		case frame, ok := <-frames:
			if !ok {
				// The frame producer reports its failure on errc right
				// before closing the channel; do not lose it to the race.
				select {
				case err := <-errc:
					return err
				default:
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				return errors.New("frame stream closed")
			}
			score, err := d.scorer.Score(ctx, frame)
			if err != nil {
				log.Warn("scorer failed", "err", err)
				continue
			}
			if trigger.Feed(score) {
				log.Info("Wakeword detected", "score", score)
				d.captureFn(ctx, false)
				time.Sleep(d.cooldown)
			}
		}
	}
}

// capture records a command, transcribes it and queues the text. openEnded
// switches from the fixed post-wakeword window to silence-terminated capture.
func (d *daemon) capture(ctx context.Context, openEnded bool) {
	d.cue(ctx, "ready_for_capture.wav")
	time.Sleep(settlePause) // avoid clipping the first syllable

	var (
		pcm []float32
		err error
	)
	if openEnded {
		pcm, err = d.rec.RecordAuto()
	} else {
		pcm, err = d.rec.Record(commandWindow)
	}
	if err != nil {
		log.Error("Failed to record", "err", err)
		return
	}
	d.cue(ctx, "capture_ended.wav")

	wavData, err := audio.EncodeWAV(pcm)
	if err != nil {
		log.Error("Failed to encode recording", "err", err)
		return
	}

	sttCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	t0 := time.Now()
	res, err := d.transcriber.Transcribe(sttCtx, wavData, stt.Options{Bias: stt.DefaultBias})
	if err != nil {
		log.Error("Failed to transcribe", "err", err)
		d.cue(ctx, "capture_error.wav")
		return
	}
	log.Info("Heard", "text", res.Text, "elapsed", time.Since(t0))

	if res.Text == "" {
		return
	}

	select {
	case d.texts <- res.Text:
	default:
		log.Warn("router busy, dropping command", "text", res.Text)
	}
}

// cue ducks the cue player and plays a short sound, falling back to a local
// beep when no player is configured.
func (d *daemon) cue(ctx context.Context, name string) {
	if d.cfg.CuePlayer == "" {
		if err := notify.Beep(d.cuePath); err != nil {
			log.Warn("local cue failed", "err", err)
		}
		return
	}
	if err := d.home.SetVolume(ctx, d.cfg.CuePlayer, 0.1); err != nil {
		log.Warn("volume duck failed", "err", err)
	}
	url := d.home.BaseURL() + "/local/" + name
	if err := d.home.PlayMedia(ctx, d.cfg.CuePlayer, url); err != nil {
		log.Warn("cue playback failed", "cue", name, "err", err)
	}
}

// routerWorker drains transcribed commands so a slow LLM round-trip never
// blocks the listener.
func (d *daemon) routerWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-d.texts:
			d.routeText(ctx, text)
		}
	}
}

func (d *daemon) routeText(ctx context.Context, text string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("router panicked", "panic", r, "text", text)
		}
	}()

	d.reg.reload()
	if err := d.handler.HandleText(ctx, text); err != nil {
		log.Error("routing failed", "err", err)
	}
}

// registryCache re-reads the registry file per command and keeps the last
// good copy when the file is briefly missing mid-refresh.
type registryCache struct {
	path string
	cur  atomic.Pointer[registry.Registry]
}

func newRegistryCache(path string) *registryCache {
	c := &registryCache{path: path}
	c.reload()
	return c
}

func (c *registryCache) reload() {
	reg, err := registry.Load(c.path)
	if err != nil {
		log.Warn("registry reload failed", "path", c.path, "err", err)
		return
	}
	c.cur.Store(reg)
}

func (c *registryCache) get() *registry.Registry {
	return c.cur.Load()
}

// homeWithLocalVoice speaks through espeak-ng when the HA TTS call fails,
// so replies are not silently lost on a headless setup.
type homeWithLocalVoice struct {
	*ha.Client
}

func (h *homeWithLocalVoice) Speak(ctx context.Context, entityID, message string) error {
	if err := h.Client.Speak(ctx, entityID, message); err != nil {
		log.Warn("HA TTS failed, using local voice", "err", err)
		return tts.Speak(message, "en")
	}
	return nil
}

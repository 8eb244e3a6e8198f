// Command worker runs the taskflow Worker Runtime: one poll-claim-
// dispatch-finalize loop per accelerator slot.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smilemakc/taskflow/internal/application/dispatch"
	"github.com/smilemakc/taskflow/internal/application/engine"
	"github.com/smilemakc/taskflow/internal/application/merger"
	"github.com/smilemakc/taskflow/internal/application/normalizer"
	"github.com/smilemakc/taskflow/internal/application/observer"
	"github.com/smilemakc/taskflow/internal/application/splitter"
	"github.com/smilemakc/taskflow/internal/application/worker"
	"github.com/smilemakc/taskflow/internal/config"
	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
	"github.com/smilemakc/taskflow/internal/infrastructure/queue"
	"github.com/smilemakc/taskflow/internal/infrastructure/storage"
)

// deviceSlotEnvVar marks a process as an already-launched device-pinned
// child, so the launcher below re-execs itself exactly once per device
// instead of recursing.
const deviceSlotEnvVar = "TASKFLOW_DEVICE_SLOT"

var (
	flagOutputDir         string
	flagPort              int
	flagAccelerator       string
	flagWorkersPerDevice  int
	flagDevices           string
	flagPollInterval      time.Duration
	flagDisableWorkerLoop bool
)

func init() {
	flag.StringVar(&flagOutputDir, "output-dir", "", "overrides OUTPUT_PATH")
	flag.IntVar(&flagPort, "port", 0, "worker health-check port; 0 picks WORKER_PORT or disables it")
	flag.StringVar(&flagAccelerator, "accelerator", "", "auto, cuda, or cpu; overrides WORKER_ACCELERATOR")
	flag.IntVar(&flagWorkersPerDevice, "workers-per-device", 0, "overrides WORKER_WORKERS_PER_DEVICE")
	flag.StringVar(&flagDevices, "devices", "", "comma-separated device ids; overrides WORKER_GPUS")
	flag.DurationVar(&flagPollInterval, "poll-interval", 0, "overrides POLL_INTERVAL")
	flag.BoolVar(&flagDisableWorkerLoop, "disable-worker-loop", false, "start the process without running the poll loop (health endpoint only)")
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg)

	appLogger := logger.New(cfg.Logging)
	logger.SetDefault(appLogger)

	slot := os.Getenv(deviceSlotEnvVar)
	if slot == "" && len(cfg.Worker.Devices) > 1 {
		runLauncher(cfg, appLogger)
		return
	}

	device := slot
	if device == "" && len(cfg.Worker.Devices) == 1 {
		device = cfg.Worker.Devices[0]
	}
	runWorkerProcess(cfg, appLogger, device)
}

// applyFlags overlays any explicitly-set cmd/worker flag onto the
// environment-loaded config; explicit flags win over env vars.
func applyFlags(cfg *config.Config) {
	if flagOutputDir != "" {
		cfg.Storage.OutputPath = flagOutputDir
	}
	if flagPort > 0 {
		cfg.Worker.Port = flagPort
	}
	if flagAccelerator != "" {
		cfg.Worker.Accelerator = flagAccelerator
	}
	if flagWorkersPerDevice > 0 {
		cfg.Worker.WorkersPerDevice = flagWorkersPerDevice
	}
	if flagDevices != "" {
		cfg.Worker.Devices = strings.Split(flagDevices, ",")
	}
	if flagPollInterval > 0 {
		cfg.Worker.PollInterval = flagPollInterval
	}
	if flagDisableWorkerLoop {
		cfg.Worker.DisableWorkerLoop = true
	}
}

// runLauncher enforces GPU isolation at the process boundary: in a language
// without import-time ordering, device isolation is achieved by exec-ing
// one child process per device with the environment variable already
// set, instead of mutating the parent's own environment after compute
// libraries may already be loaded.
func runLauncher(cfg *config.Config, log *logger.Logger) {
	self, err := os.Executable()
	if err != nil {
		log.Error("failed to resolve worker binary path", "error", err)
		os.Exit(1)
	}

	children := make([]*exec.Cmd, 0, len(cfg.Worker.Devices))
	for _, device := range cfg.Worker.Devices {
		cmd := worker.LaunchDeviceWorker(self, device, os.Args[1:]...)
		cmd.Env = append(cmd.Env, deviceSlotEnvVar+"="+device)
		if err := cmd.Start(); err != nil {
			log.Error("failed to launch device worker", "device", device, "error", err)
			continue
		}
		log.Info("launched device worker", "device", device, "pid", cmd.Process.Pid)
		children = append(children, cmd)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown
	log.Info("launcher received shutdown signal, forwarding to device workers")
	for _, cmd := range children {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	for _, cmd := range children {
		_ = cmd.Wait()
	}
}

// runWorkerProcess sets the device-visibility env var (if this process
// owns a GPU slot) before anything else runs, opens the Task Store,
// wires the worker runtime for every local slot (workers-per-device),
// and blocks until shutdown.
func runWorkerProcess(cfg *config.Config, log *logger.Logger, device string) {
	if device != "" && cfg.Worker.Accelerator != "cpu" {
		os.Setenv(worker.DeviceEnvVar, device)
	}

	workerID := fmt.Sprintf("%s-%s-%d", hostname(), slotLabel(device), os.Getpid())
	log = log.With("worker_host_device", workerID)

	dbConfig := &storage.Config{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MinConnections,
		ConnMaxLifetime: cfg.Database.MaxConnLifetime,
		ConnMaxIdleTime: cfg.Database.MaxIdleTime,
		Debug:           cfg.Logging.Level == "debug",
	}
	db, err := storage.NewDB(dbConfig)
	if err != nil {
		log.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer storage.Close(db)

	taskRepo := storage.NewTaskRepository(db)

	taskQueue := queue.NewFromConfig(queue.Config{
		Backend:  cfg.Queue.Backend,
		RedisURL: cfg.Redis.URL(),
	}, taskRepo, log)

	if err := os.MkdirAll(cfg.Storage.OutputPath, 0o755); err != nil {
		log.Error("failed to create output directory", "error", err)
		os.Exit(1)
	}

	registry := engine.NewRegistry()
	for name, spec := range cfg.Engines.Specs {
		if err := registry.Register(engine.NewExecEngine(name, spec.Bin, spec.Extensions)); err != nil {
			log.Warn("failed to register engine", "backend", name, "error", err)
		}
	}
	var engines worker.EngineResolver = registry
	if len(cfg.Dispatch.Rules) > 0 {
		rules := make([]dispatch.Rule, len(cfg.Dispatch.Rules))
		for i, r := range cfg.Dispatch.Rules {
			rules[i] = dispatch.Rule{Name: r.Name, When: r.When, Backend: r.Backend}
		}
		router, err := dispatch.NewRouter(registry, rules, log)
		if err != nil {
			log.Error("failed to compile dispatch rules, falling back to fixed auto order", "error", err)
		} else {
			engines = router
		}
	}

	norm := normalizer.New(taskRepo, nil, log)
	split := splitter.New(splitter.Config{
		Enabled:        cfg.Split.Enabled,
		ThresholdPages: cfg.Split.ThresholdPages,
		ChunkSize:      cfg.Split.ChunkSize,
	}, taskRepo, log).WithQueue(taskQueue)
	merge := merger.New(taskRepo, norm, log).WithOutputDir(cfg.Storage.OutputPath)
	preprocessors := buildPreProcessors(cfg, log)

	var events observer.Publisher
	if cfg.Redis.Enabled {
		if opts, err := redis.ParseURL(cfg.Redis.URL()); err == nil {
			events = observer.NewRedisBridge(redis.NewClient(opts), observer.DefaultEventsChannel, log)
		} else {
			log.Warn("failed to parse Redis URL, task events will not be published", "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-shutdown
		log.Info("worker received shutdown signal", "signal", sig)
		cancel()
	}()

	if cfg.Worker.Port > 0 {
		go serveHealth(cfg.Worker.Port, log)
	}

	if cfg.Worker.DisableWorkerLoop {
		log.Info("worker loop disabled, process idling for health checks only")
		<-ctx.Done()
		return
	}

	workersPerDevice := cfg.Worker.WorkersPerDevice
	if workersPerDevice < 1 {
		workersPerDevice = 1
	}

	done := make(chan struct{}, workersPerDevice)
	for i := 0; i < workersPerDevice; i++ {
		slotWorkerID := fmt.Sprintf("%s-%d", workerID, i)
		w := worker.New(worker.Config{
			WorkerID:          slotWorkerID,
			PollInterval:      cfg.Worker.PollInterval,
			ShutdownGrace:     cfg.Worker.ShutdownGrace,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			OutputDir:         cfg.Storage.OutputPath,
		}, taskQueue, taskRepo, engines, norm, split, merge, preprocessors, log).WithEvents(events)

		go func() {
			if err := w.Run(ctx); err != nil {
				log.Error("worker loop exited with error", "error", err)
			}
			done <- struct{}{}
		}()
	}

	log.Info("worker runtime started",
		"accelerator", cfg.Worker.Accelerator, "device", device, "slots", workersPerDevice)

	for i := 0; i < workersPerDevice; i++ {
		<-done
	}
	log.Info("worker runtime stopped")
}

func serveHealth(port int, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	addr := ":" + strconv.Itoa(port)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Warn("worker health endpoint stopped", "error", err)
	}
}

// buildPreProcessors wires the office-to-PDF and watermark-removal
// pre-processing hooks onto whichever external binaries
// the operator configured. A hook whose binary path is empty is left
// out of the chain entirely rather than registered as a permanent
// no-op; a task requesting it is then processed without that step, its
// original file handed to the engine unchanged.
func buildPreProcessors(cfg *config.Config, log *logger.Logger) []worker.PreProcessor {
	var pre []worker.PreProcessor
	if bin := cfg.PreProcess.OfficeConverterBin; bin != "" {
		pre = append(pre, worker.NewOfficeToPDFPreProcessor(execOfficeConverter(bin), cfg.Storage.OutputPath, log))
	}
	if bin := cfg.PreProcess.WatermarkRemoverBin; bin != "" {
		pre = append(pre, worker.NewWatermarkRemovalPreProcessor(execWatermarkRemover(bin), cfg.Storage.OutputPath, log))
	}
	return pre
}

// execOfficeConverter shells out to a LibreOffice-headless-compatible
// binary to turn an Office document into a PDF before dispatch.
func execOfficeConverter(bin string) worker.OfficeConverter {
	return func(ctx context.Context, filePath, dir string) (string, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create conversion workdir: %w", err)
		}
		cmd := exec.CommandContext(ctx, bin, "--headless", "--convert-to", "pdf", "--outdir", dir, filePath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("office converter failed: %w: %s", err, strings.TrimSpace(string(out)))
		}
		stem := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
		return filepath.Join(dir, stem+".pdf"), nil
	}
}

// execWatermarkRemover shells out to an external watermark-removal
// binary; the actual image/PDF manipulation is out of this system's
// scope of this service, so this only wires the invocation contract.
func execWatermarkRemover(bin string) worker.WatermarkRemover {
	return func(ctx context.Context, filePath, dir string, params worker.WatermarkParams) (string, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create watermark workdir: %w", err)
		}
		outPath := filepath.Join(dir, "cleaned_"+filepath.Base(filePath))
		cmd := exec.CommandContext(ctx, bin,
			"--input", filePath,
			"--output", outPath,
			"--conf-threshold", strconv.FormatFloat(params.ConfThreshold, 'f', -1, 64),
			"--dilation", strconv.FormatFloat(params.Dilation, 'f', -1, 64),
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("watermark remover failed: %w: %s", err, strings.TrimSpace(string(out)))
		}
		return outPath, nil
	}
}

func slotLabel(device string) string {
	if device == "" {
		return "cpu"
	}
	return device
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return h
}

package config

const (
	defaultConfigPath           = "~/.config/moviequeue/config.toml"
	defaultMovieDir             = "~/Documents/movies"
	defaultTelevisionDir        = "~/Documents/television"
	defaultUnwatchedDir         = "~/television/unwatched"
	defaultOutputDir            = "~/dvdrip/avi"
	defaultStateDir             = "~/.local/share/moviequeue"
	defaultLogDir               = "~/.local/share/moviequeue/logs"
	defaultLockDir              = "~/.local/share/moviequeue/locks"
	defaultAPIBind              = "127.0.0.1:8042"
	defaultEncoderBinary        = "HandBrakeCLI"
	defaultEncoderPreset        = "Android 480p30"
	defaultEncoderExtension     = "mp4"
	defaultSubtitleBinary       = "mkvextract"
	defaultMaxConcurrent        = 2
	defaultKillGraceSeconds     = 10
	defaultRemotePort           = 22
	defaultRemoteKeyPath        = "~/.ssh/id_ed25519"
	defaultRemoteKnownHostsPath = "~/.ssh/known_hosts"
	defaultRemoteCommand        = "moviequeue"
	defaultRemoteDialTimeout    = 10
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultLogRetentionDays     = 60
	defaultMaintenanceSchedule  = "@hourly"
	defaultRegistryTTLMinutes   = 24 * 60
	maxConcurrentUpperBound     = 64
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			MovieDir:      defaultMovieDir,
			TelevisionDir: defaultTelevisionDir,
			UnwatchedDir:  defaultUnwatchedDir,
			OutputDir:     defaultOutputDir,
			StateDir:      defaultStateDir,
			LogDir:        defaultLogDir,
			LockDir:       defaultLockDir,
			APIBind:       defaultAPIBind,
		},
		Encoder: Encoder{
			Binary:         defaultEncoderBinary,
			Preset:         defaultEncoderPreset,
			Extension:      defaultEncoderExtension,
			SubtitleBinary: defaultSubtitleBinary,
		},
		Dispatch: Dispatch{
			MaxConcurrent:    defaultMaxConcurrent,
			KillGraceSeconds: defaultKillGraceSeconds,
		},
		Remote: Remote{
			Port:               defaultRemotePort,
			KeyPath:            defaultRemoteKeyPath,
			KnownHostsPath:     defaultRemoteKnownHostsPath,
			Command:            defaultRemoteCommand,
			DialTimeoutSeconds: defaultRemoteDialTimeout,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Maintenance: Maintenance{
			Schedule:          defaultMaintenanceSchedule,
			RegistryTTLMinute: defaultRegistryTTLMinutes,
		},
	}
}

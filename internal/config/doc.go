// Package config manages the user configuration file for the ilidar
// tool.
//
// The file is YAML and stores client-side metadata only: nicknames and
// last-seen addresses for sensors, plus application preferences such as
// the discovery window and the firmware image directory. Nothing in it
// is ever written to a sensor.
//
// # Configuration File Location
//
// The configuration file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/ilidar/config.yaml or $HOME/.config/ilidar/config.yaml
//   - macOS: $HOME/.config/ilidar/config.yaml
//   - Windows: %LOCALAPPDATA%\ilidar\config.yaml
//
// # Thread Safety
//
// The global registry uses sync.Once for safe initialization across
// goroutines. File operations are protected by a mutex and saved
// atomically via a temp-file rename.
package config

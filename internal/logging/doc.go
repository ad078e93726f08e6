// Package logging provides structured logging for ilidar-tool.
//
// Logging is silent by default so that command output stays clean. Set the
// ILIDAR_LOG_LEVEL environment variable (debug, info, warn, error) to enable
// diagnostic output, including hex dumps of sensor datagrams at debug level.
package logging

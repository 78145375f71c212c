// Package rig implements the line protocol spoken by the electrolyzer rig
// controller: launch plans of "Key:value" commands on the way out and
// "VOLTAGE: v | DIR: d | MODE: m" telemetry on the way back.
package rig

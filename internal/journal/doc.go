/*
Journal records every tick of a run in Write Append Log way.

# Module
  - writer: segmented append, crc checked, rotates by size and age
  - reader: one segment, tolerates a truncated tail
  - playback: every segment in order, optional pacing

# Source
  - seed snapshot from core
  - run start / stop from core
  - tick record from core

# Produce
  - recovery input for state
  - replay input for tools/replay and tools/chaos
*/
package journal

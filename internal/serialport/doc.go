// Package serialport discovers the display's serial device and owns the
// line-oriented link to it.
//
// Two pieces live here:
//
//   - Locator enumerates serial interfaces (go.bug.st/serial/enumerator)
//     and picks the first that looks like the display: USB product
//     description, USB vendor ID, or device path pattern. A fixed port in
//     config skips discovery.
//   - Link opens the port at 115200 8N1, writes newline-terminated lines,
//     and reads lines back with a bounded wait so the relay loop never
//     stalls on a silent device.
//
// # Link States
//
//	Unattached ──Open ok──▶ Attached ──read/write error──▶ Faulted
//	     ▲                                                    │
//	     └────────────── Open failed / Close ◀────────────────┘
//
// A Link is owned by a single goroutine (the relay loop). State, PortName
// and Stats may be read from any goroutine.
package serialport

package displayer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"obdash/internal/models"
	"obdash/internal/obd"
	"obdash/internal/store"
	"obdash/pkg/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const (
	refreshInterval = 500 * time.Millisecond
	dtcTimeout      = 10 * time.Second
)

// Store is what the dashboard reads from.
type Store interface {
	Latest() store.Snapshot
	Status() obd.ConnectionState
	Simulating() bool
	FetchDTCs(ctx context.Context) ([]models.DTCEntry, error)
}

// Displayer handles the TUI on top of the store.
type Displayer struct {
	app    *tview.Application
	tabs   *tview.Pages
	store  Store
	ctx    context.Context
	cancel context.CancelFunc

	// Reconnect is invoked by the r key when set.
	Reconnect func()

	mu       sync.Mutex
	dtcs     []models.DTCEntry
	dtcErr   error
	dtcBusy  bool
	dtcStamp time.Time

	// UI elements cached for updates
	statusText *tview.TextView
	helpText   *tview.TextView
	values     map[obd.Channel]*tview.TextView
	dtcTable   *tview.Table
	dtcInfo    *tview.TextView
}

func New(st Store) *Displayer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Displayer{
		app:    tview.NewApplication(),
		tabs:   tview.NewPages(),
		store:  st,
		ctx:    ctx,
		cancel: cancel,
		values: make(map[obd.Channel]*tview.TextView),
	}
}

// Run blocks until the user quits.
func (d *Displayer) Run() error {
	dashboard := d.buildDashboard()
	dtc := d.buildDTC()

	// header area: title, status, help
	title := tview.NewTextView().SetTextAlign(tview.AlignCenter).SetText("obdash - OBD-II live dashboard")
	d.statusText = tview.NewTextView().SetTextAlign(tview.AlignCenter).SetDynamicColors(true)
	d.helpText = tview.NewTextView().SetTextAlign(tview.AlignCenter).SetText(helpLine(d.Reconnect != nil))

	headerFlex := tview.NewFlex().SetDirection(tview.FlexRow)
	headerFlex.AddItem(title, 1, 0, false)
	headerFlex.AddItem(d.statusText, 1, 0, false)
	headerFlex.AddItem(d.helpText, 1, 0, false)

	mainFlex := tview.NewFlex().SetDirection(tview.FlexRow)
	mainFlex.AddItem(headerFlex, 3, 0, false)

	d.tabs.AddPage("dashboard", dashboard, true, true)
	d.tabs.AddPage("dtc", dtc, true, false)
	mainFlex.AddItem(d.tabs, 0, 1, true)

	d.app.SetRoot(mainFlex, true)
	d.app.SetInputCapture(d.handleKey)

	d.updateValues()
	d.app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		d.updateValues()
		return false
	})

	go d.refreshLoop()

	return d.app.Run()
}

func (d *Displayer) Shutdown() {
	d.cancel()
	d.app.Stop()
}

func (d *Displayer) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'q', 'Q':
		d.Shutdown()
		return nil
	case '1':
		d.tabs.SwitchToPage("dashboard")
		return nil
	case '2':
		d.tabs.SwitchToPage("dtc")
		return nil
	case 'd', 'D':
		d.tabs.SwitchToPage("dtc")
		go d.refreshDTCs()
		return nil
	case 'r', 'R':
		if d.Reconnect != nil {
			go d.Reconnect()
		}
		return nil
	}
	return event
}

func helpLine(reconnect bool) string {
	if reconnect {
		return "[1 - Dashboard] [2 - DTC] [d - Read DTCs] [r - Reconnect] [q - Quit]"
	}
	return "[1 - Dashboard] [2 - DTC] [d - Read DTCs] [q - Quit]"
}

func (d *Displayer) buildDashboard() *tview.Flex {
	infoFlex := tview.NewFlex().SetDirection(tview.FlexRow)
	for _, ch := range obd.Channels {
		tv := tview.NewTextView().SetDynamicColors(true)
		d.values[ch] = tv
		infoFlex.AddItem(tv, 1, 0, false)
	}
	return infoFlex
}

func (d *Displayer) buildDTC() *tview.Flex {
	d.dtcTable = tview.NewTable().SetBorders(true)
	d.dtcInfo = tview.NewTextView().SetDynamicColors(true)
	d.fillDTCTable(nil)

	flex := tview.NewFlex().SetDirection(tview.FlexRow)
	flex.AddItem(d.dtcInfo, 1, 0, false)
	flex.AddItem(d.dtcTable, 0, 1, false)
	return flex
}

func (d *Displayer) fillDTCTable(entries []models.DTCEntry) {
	d.dtcTable.Clear()
	for col, h := range []string{"Code", "Severity", "Description", "Possible causes"} {
		d.dtcTable.SetCell(0, col, tview.NewTableCell(h).SetSelectable(false).SetAlign(tview.AlignCenter))
	}
	for i, e := range entries {
		d.dtcTable.SetCell(i+1, 0, tview.NewTableCell(e.Code))
		d.dtcTable.SetCell(i+1, 1, tview.NewTableCell(severityLabel(e.Severity)))
		d.dtcTable.SetCell(i+1, 2, tview.NewTableCell(e.Description))
		d.dtcTable.SetCell(i+1, 3, tview.NewTableCell(strings.Join(e.PossibleCauses, ", ")))
	}
}

func (d *Displayer) refreshDTCs() {
	d.mu.Lock()
	if d.dtcBusy {
		d.mu.Unlock()
		return
	}
	d.dtcBusy = true
	d.mu.Unlock()

	d.app.QueueUpdateDraw(func() {})

	ctx, cancel := context.WithTimeout(d.ctx, dtcTimeout)
	defer cancel()
	entries, err := d.store.FetchDTCs(ctx)
	if err != nil {
		log.Warn("DTC read failed", zap.Error(err))
	}

	shown := d.recordDTCs(entries, err, time.Now())
	d.app.QueueUpdateDraw(func() {
		d.fillDTCTable(shown)
	})
}

// recordDTCs stores the outcome of a read and returns the entries to show.
// A failed read keeps the previous result on screen.
func (d *Displayer) recordDTCs(entries []models.DTCEntry, err error, now time.Time) []models.DTCEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dtcBusy = false
	d.dtcErr = err
	if err == nil {
		d.dtcs = entries
		d.dtcStamp = now
	}
	return d.dtcs
}

func (d *Displayer) updateValues() {
	snap := d.store.Latest()
	for _, ch := range obd.Channels {
		d.values[ch].SetText(formatValue(ch, snap.Values))
	}

	if d.statusText != nil {
		d.statusText.SetText(statusLine(d.store.Status(), d.store.Simulating(), d.Reconnect != nil))
	}

	d.mu.Lock()
	info := dtcLine(d.dtcBusy, d.dtcErr, len(d.dtcs), d.dtcStamp)
	d.mu.Unlock()
	d.dtcInfo.SetText(info)
}

func (d *Displayer) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			// force redraw (BeforeDraw handles values)
			d.app.QueueUpdateDraw(func() {})
		}
	}
}

func formatValue(ch obd.Channel, values obd.SensorReading) string {
	v, ok := values[ch]
	if !ok {
		return fmt.Sprintf("%-16s [gray]--[white]", label(ch))
	}
	format := "%-16s %.1f %s"
	if ch == obd.ChannelRPM || ch == obd.ChannelSpeed {
		format = "%-16s %.0f %s"
	}
	return fmt.Sprintf(format, label(ch), v, ch.Unit())
}

func label(ch obd.Channel) string {
	switch ch {
	case obd.ChannelRPM:
		return "RPM"
	case obd.ChannelSpeed:
		return "Speed"
	case obd.ChannelEngineTemp:
		return "Coolant"
	case obd.ChannelInletAirTemp:
		return "Intake air"
	case obd.ChannelTurboBoost:
		return "Boost"
	case obd.ChannelEngineLoad:
		return "Engine load"
	case obd.ChannelBatteryVoltage:
		return "Battery"
	case obd.ChannelFuelPressure:
		return "Fuel pressure"
	case obd.ChannelFuelUsed:
		return "Fuel used"
	default:
		return string(ch)
	}
}

func statusLine(state obd.ConnectionState, simulating, reconnect bool) string {
	var s string
	switch state {
	case obd.StateConnected:
		s = "[green]connected[white]"
	case obd.StateConnecting:
		s = "[yellow]connecting[white]"
	case obd.StateError:
		s = "[red]error[white]"
	default:
		s = "[red]disconnected[white]"
	}
	if reconnect && (state == obd.StateError || state == obd.StateDisconnected) {
		s += " (press r to reconnect)"
	}
	if simulating {
		s += " - [yellow]simulated data[white]"
	}
	return "Status: " + s
}

func dtcLine(busy bool, err error, n int, stamp time.Time) string {
	switch {
	case busy:
		return "[yellow]Reading trouble codes...[white]"
	case err != nil && stamp.IsZero():
		return fmt.Sprintf("[red]DTC read failed:[white] %v", err)
	case err != nil:
		return fmt.Sprintf("[red]DTC read failed:[white] %v (showing read %s)", err, stamp.Format("15:04:05"))
	case stamp.IsZero():
		return "Press d to read trouble codes"
	case n == 0:
		return fmt.Sprintf("[green]No trouble codes[white] (read %s)", stamp.Format("15:04:05"))
	default:
		return fmt.Sprintf("%d trouble code(s) (read %s)", n, stamp.Format("15:04:05"))
	}
}

func severityLabel(s models.Severity) string {
	switch s {
	case models.SeverityCritical, models.SeverityHigh:
		return "[red]" + string(s) + "[white]"
	case models.SeverityMedium:
		return "[yellow]" + string(s) + "[white]"
	default:
		return string(s)
	}
}

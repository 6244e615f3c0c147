package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"xray-chatbot/pkg"
)

// parseSelectionLocked turns input into a key of the current offer.  An
// unknown key leaves the offer open.
func (c *Conversation) parseSelectionLocked(raw string) (int, bool) {
	index, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	if _, ok := c.doctorOptions[index]; !ok {
		return 0, false
	}
	return index, true
}

// selectDoctor confirms the choice with the directory.  The doctor the
// service returns is stored, not the locally offered candidate.  The offer
// is consumed whatever the outcome.
func (c *Conversation) selectDoctor(ctx context.Context, t *turn, index int) {
	doctor, err := c.deps.Directory.Select(ctx, index)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.doctorOptions = nil
	c.settleLocked()
	switch {
	case err != nil:
		c.logger.Warn().Err(err).Int("index", index).Msg("doctor selection failed")
		c.appendLocked(t, pkg.SenderBot, DoctorSelectErrorMessage)
	case doctor == nil || doctor.Name == "":
		c.appendLocked(t, pkg.SenderBot, DoctorSelectionFailedMessage)
	default:
		d := *doctor
		c.selectedDoctor = &d
		c.appendLocked(t, pkg.SenderBot, fmt.Sprintf(DoctorSelectedMessage, d.Name, d.Location))
	}
}

// LocateDoctors asks the locator for the user's position and offers the
// doctors the directory finds nearby.  It returns the messages appended.
func (c *Conversation) LocateDoctors(ctx context.Context, locator Locator) []pkg.Message {
	t := &turn{}
	at, err := locator.Locate(ctx)
	if err != nil {
		if !errors.Is(err, ErrLocationDenied) {
			c.logger.Warn().Err(err).Msg("locate failed")
		}
		c.mu.Lock()
		c.appendLocked(t, pkg.SenderBot, LocationDeniedMessage)
		c.mu.Unlock()
		return t.messages
	}

	c.mu.Lock()
	c.appendLocked(t, pkg.SenderUser, SearchingDoctorsMessage)
	c.mu.Unlock()

	doctors, err := c.deps.Directory.Nearby(ctx, at)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err != nil:
		c.logger.Warn().Err(err).Msg("doctor lookup failed")
		c.appendLocked(t, pkg.SenderBot, DoctorsErrorMessage)
	case len(doctors) == 0:
		c.appendLocked(t, pkg.SenderBot, NoDoctorsMessage)
	default:
		c.appendLocked(t, pkg.SenderBot, FormatDoctorList(doctors))
		c.doctorOptions = make(map[int]pkg.Doctor, len(doctors))
		for k, d := range doctors {
			c.doctorOptions[k] = d
		}
		c.settleLocked()
	}
	return t.messages
}

// FormatDoctorList renders the numbered offer in ascending key order.
func FormatDoctorList(doctors map[int]pkg.Doctor) string {
	keys := make([]int, 0, len(doctors))
	for k := range doctors {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var b strings.Builder
	b.WriteString(NearbyDoctorsHeader)
	b.WriteString("\n")
	for _, k := range keys {
		d := doctors[k]
		fmt.Fprintf(&b, "%d. %s - %s\n", k, d.Name, d.Location)
	}
	b.WriteString("\n")
	b.WriteString(DoctorSelectionPrompt)
	return b.String()
}

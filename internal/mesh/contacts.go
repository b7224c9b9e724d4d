package mesh

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roelfdiedericks/meshclaw/internal/bus"
	. "github.com/roelfdiedericks/meshclaw/internal/logging"
	"github.com/roelfdiedericks/meshclaw/internal/metrics"
	"github.com/roelfdiedericks/meshclaw/internal/payload"
	"github.com/roelfdiedericks/meshclaw/internal/store"
)

var (
	statusKeys    = []string{"rssi", "snr", "adv_lat", "adv_lon", "type", "flags", "level", "battery", "battery_percent", "battery_mv"}
	telemetryKeys = []string{"rssi", "snr", "adv_lat", "adv_lon", "type", "flags", "last_advert", "battery", "battery_percent", "battery_mv"}
)

// FetchContacts lists the device's contacts. Data is []payload.Map. When
// JSON output is unusable the plain listing is parsed and the result is
// marked partial.
func (s *Service) FetchContacts(ctx context.Context) Result {
	done := metrics.MetricStartAuto("mesh", "contacts")
	defer done()

	data, stdout, err := s.runner.RunJSON(ctx, "contacts")
	if err == nil {
		list, nerr := s.contacts.Normalize(data)
		if nerr == nil {
			return success(list)
		}
		// Valid JSON of an unexpected shape; try the text parser on it
		if list, perr := payload.ParseContactsText(stdout); perr == nil {
			return partial(list, nerr)
		}
		return failure(nerr)
	}
	if ctx.Err() != nil {
		return failure(err)
	}

	L_debug("mesh: json contacts failed, trying plain listing", "error", err)
	raw, terr := s.runner.RunText(ctx, "contacts")
	if terr != nil {
		metrics.MetricFail("mesh", "contacts")
		return failure(fmt.Errorf("contacts: %w", errors.Join(err, terr)))
	}
	list, perr := payload.ParseContactsText(raw)
	if perr != nil {
		metrics.MetricFail("mesh", "contacts")
		return failure(perr)
	}
	return partial(list, err)
}

// ContactInfo fetches details for one contact and persists them. Data is
// payload.Map.
func (s *Service) ContactInfo(ctx context.Context, name string) Result {
	name = strings.TrimSpace(name)
	if name == "" {
		return failure(errors.New("name is required"))
	}

	data, _, err := s.runner.RunJSON(ctx, "contact_info", name)
	if err != nil {
		metrics.MetricFail("mesh", "contact_info")
		return failure(err)
	}
	info, ok := payload.FirstObject(data)
	if !ok {
		metrics.MetricFail("mesh", "contact_info")
		return failure(fmt.Errorf("contact_info %q: unexpected output shape", name))
	}
	if _, err := s.PersistContactInfo(ctx, info); err != nil {
		L_warn("mesh: persist contact info failed", "name", name, "error", err)
		return partial(info, err)
	}
	metrics.MetricSuccess("mesh", "contact_info")
	return success(info)
}

// RequestStatus asks a contact for its status (battery, RSSI, SNR,
// position), preferring the blocking request. Data is payload.Map.
func (s *Service) RequestStatus(ctx context.Context, name string) Result {
	return s.request(ctx, name, statusKeys, "req_bstatus", "req_status")
}

// RequestTelemetry asks a contact for telemetry. Data is payload.Map.
func (s *Service) RequestTelemetry(ctx context.Context, name string) Result {
	return s.request(ctx, name, telemetryKeys, "req_telemetry")
}

func (s *Service) request(ctx context.Context, name string, keys []string, commands ...string) Result {
	name = strings.TrimSpace(name)
	if name == "" {
		return failure(errors.New("name is required"))
	}

	var errs []error
	for _, command := range commands {
		data, _, err := s.runner.RunJSON(ctx, command, name)
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		m, ok := payload.AsMap(data)
		if !ok {
			errs = append(errs, fmt.Errorf("%s %q: unexpected output shape", command, name))
			continue
		}
		if _, ok := m["name"]; !ok {
			m["name"] = name
		}
		if payload.Has(m, keys...) {
			if _, err := s.PersistContactInfo(ctx, m); err != nil {
				L_warn("mesh: persist status failed", "command", command, "name", name, "error", err)
			}
		}
		metrics.MetricSuccess("mesh", command)
		return success(m)
	}
	metrics.MetricFail("mesh", commands[0])
	return failure(errors.Join(errs...))
}

// PersistContactInfo records a contact payload: the contact itself
// (by public key, else the most recent contact with that name), a
// telemetry snapshot, and the public key link on earlier messages.
// Returns nil without error when the contact cannot be resolved.
func (s *Service) PersistContactInfo(ctx context.Context, info payload.Map) (*store.Contact, error) {
	publicKey := payload.FirstString(info, "public_key")
	advName := payload.FirstString(info, "adv_name", "name")

	var contact *store.Contact
	var err error
	switch {
	case publicKey != "":
		contact, err = s.store.UpsertContact(ctx, publicKey, advName)
		if err != nil {
			return nil, err
		}
	case advName != "":
		contact, err = s.store.ContactByName(ctx, advName)
		if errors.Is(err, store.ErrNotFound) {
			L_debug("mesh: contact not resolvable, skipping", "name", advName)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	default:
		return nil, nil
	}

	if err := s.store.TouchContact(ctx, contact, advName); err != nil {
		return nil, err
	}

	mv, pct := payload.ParseBattery(info)
	t := &store.Telemetry{
		ContactID:      contact.ID,
		AdvName:        advName,
		LastAdvert:     payload.IntPtr(info, "last_advert"),
		AdvLat:         payload.FloatPtr(info, "adv_lat"),
		AdvLon:         payload.FloatPtr(info, "adv_lon"),
		RSSI:           payload.IntPtr(info, "rssi"),
		SNR:            payload.FloatPtr(info, "snr"),
		BatteryMV:      mv,
		BatteryPercent: pct,
		Type:           payload.IntPtr(info, "type"),
		Flags:          payload.IntPtr(info, "flags"),
		OutPathLen:     payload.IntPtr(info, "out_path_len"),
		OutPath:        payload.FirstString(info, "out_path"),
		Lastmod:        payload.IntPtr(info, "lastmod"),
		Raw:            payload.Compact(info),
	}
	if err := s.store.AppendTelemetry(ctx, t); err != nil {
		return contact, err
	}

	if advName != "" {
		if _, err := s.store.BackfillMessages(ctx, advName, contact.PublicKey, contact.ID); err != nil {
			L_warn("mesh: message backfill failed", "name", advName, "error", err)
		}
	}

	bus.PublishEventWithSource(TopicContactResolved, contact, "mesh")
	return contact, nil
}

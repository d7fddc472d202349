package actuator

import (
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/model"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	ethTypeIPv4 = 0x0800
	ethTypeIPv6 = 0x86dd
	// OFPVID_PRESENT must be set on vlan_vid matches in OpenFlow 1.3.
	vlanPresent = 0x1000
)

// Ryu drives an OpenFlow switch through the Ryu ofctl_rest application.
// Rate-limit actions also install a KBPS meter with a single drop band,
// removed again together with the flow.
type Ryu struct {
	baseURL string
	client  *http.Client
	logger  *zap.SugaredLogger
}

func NewRyu(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) (*Ryu, error) {
	if baseURL == "" {
		return nil, errors.New(errors.KindValidation, "ryu base_url is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.S()
	}
	return &Ryu{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "actuator", "backend", "ryu"),
	}, nil
}

type ryuFlowEntry struct {
	DPID     uint64           `json:"dpid"`
	Cookie   uint64           `json:"cookie"`
	Priority int              `json:"priority"`
	Match    map[string]any   `json:"match"`
	Actions  []map[string]any `json:"actions"`
}

type ryuMeterBand struct {
	Type string `json:"type"`
	Rate uint64 `json:"rate"`
}

type ryuMeterEntry struct {
	DPID    uint64         `json:"dpid"`
	Flags   string         `json:"flags"`
	MeterID uint32         `json:"meter_id"`
	Bands   []ryuMeterBand `json:"bands,omitempty"`
}

func (r *Ryu) InstallRule(ctx context.Context, switchID string, rule model.Rule) error {
	dpid, err := parseDPID(switchID)
	if err != nil {
		return err
	}
	var meters []uint32
	for _, a := range rule.Actions {
		if a.Type == model.RuleMeter && a.RateKbps > 0 {
			meter := ryuMeterEntry{DPID: dpid, Flags: "KBPS", MeterID: a.MeterID,
				Bands: []ryuMeterBand{{Type: "DROP", Rate: a.RateKbps}}}
			if err := r.post(ctx, "/stats/meterentry/add", meter); err != nil {
				r.dropMeters(ctx, dpid, meters)
				return errors.Wrapf(err, errors.GetKind(err), "install meter %d", a.MeterID)
			}
			meters = append(meters, a.MeterID)
		}
	}
	if err := r.post(ctx, "/stats/flowentry/add", r.flowEntry(dpid, rule)); err != nil {
		r.dropMeters(ctx, dpid, meters)
		return errors.Wrapf(err, errors.GetKind(err), "install rule %s", rule.ID)
	}
	r.logger.Infow("rule installed", "switch", switchID, "rule", rule.ID, "cookie", rule.Cookie)
	return nil
}

// dropMeters deletes meters added for a rule whose installation failed.
func (r *Ryu) dropMeters(ctx context.Context, dpid uint64, ids []uint32) {
	for _, id := range ids {
		if err := r.post(ctx, "/stats/meterentry/delete", ryuMeterEntry{DPID: dpid, Flags: "KBPS", MeterID: id}); err != nil {
			r.logger.Errorw("failed to roll back meter", "dpid", dpid, "meter", id, "error", err)
		}
	}
}

func (r *Ryu) RemoveRule(ctx context.Context, switchID string, rule model.Rule) error {
	dpid, err := parseDPID(switchID)
	if err != nil {
		return err
	}
	if err := r.post(ctx, "/stats/flowentry/delete_strict", r.flowEntry(dpid, rule)); err != nil {
		return errors.Wrapf(err, errors.GetKind(err), "remove rule %s", rule.ID)
	}
	for _, a := range rule.Actions {
		if a.Type == model.RuleMeter && a.RateKbps > 0 {
			meter := ryuMeterEntry{DPID: dpid, Flags: "KBPS", MeterID: a.MeterID}
			if err := r.post(ctx, "/stats/meterentry/delete", meter); err != nil {
				return errors.Wrapf(err, errors.GetKind(err), "remove meter %d", a.MeterID)
			}
		}
	}
	r.logger.Infow("rule removed", "switch", switchID, "rule", rule.ID)
	return nil
}

func (r *Ryu) QueryStats(ctx context.Context, switchID string) (model.SwitchStats, error) {
	dpid, err := parseDPID(switchID)
	if err != nil {
		return model.SwitchStats{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/stats/flow/%d", r.baseURL, dpid), nil)
	if err != nil {
		return model.SwitchStats{}, errors.Wrap(err, errors.KindInternal, "build stats request")
	}
	body, err := r.do(req)
	if err != nil {
		return model.SwitchStats{}, err
	}

	var reply map[string][]struct {
		PacketCount uint64 `json:"packet_count"`
		ByteCount   uint64 `json:"byte_count"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return model.SwitchStats{}, errors.Wrap(err, errors.KindUnavailable, "decode flow stats")
	}
	stats := model.SwitchStats{SwitchID: switchID}
	for _, flows := range reply {
		for _, f := range flows {
			stats.FlowCount++
			stats.PacketCount += f.PacketCount
			stats.ByteCount += f.ByteCount
		}
	}
	return stats, nil
}

func (r *Ryu) flowEntry(dpid uint64, rule model.Rule) ryuFlowEntry {
	return ryuFlowEntry{
		DPID:     dpid,
		Cookie:   rule.Cookie,
		Priority: rule.Priority,
		Match:    ryuMatch(rule.Match),
		Actions:  ryuActions(rule.Actions),
	}
}

func ryuMatch(m model.Match) map[string]any {
	out := make(map[string]any)
	if m.VLAN != 0 {
		out["vlan_vid"] = vlanPresent | int(m.VLAN)
	}
	if m.SrcIP.IsValid() || m.DstIP.IsValid() || m.IPProto != 0 {
		out["eth_type"] = ethTypeIPv4
		if m.SrcIP.Is6() || m.DstIP.Is6() {
			out["eth_type"] = ethTypeIPv6
		}
	}
	if m.SrcIP.IsValid() {
		out[addrField(m.SrcIP, "src")] = m.SrcIP.String()
	}
	if m.DstIP.IsValid() {
		out[addrField(m.DstIP, "dst")] = m.DstIP.String()
	}
	if m.IPProto != 0 {
		out["ip_proto"] = int(m.IPProto)
	}
	return out
}

func addrField(a netip.Addr, dir string) string {
	if a.Is6() {
		return "ipv6_" + dir
	}
	return "ipv4_" + dir
}

// ryuActions maps rule actions onto ofctl_v1_3 syntax. A drop is an empty
// action list.
func ryuActions(actions []model.RuleAction) []map[string]any {
	out := make([]map[string]any, 0, len(actions))
	for _, a := range actions {
		switch a.Type {
		case model.RuleDrop:
		case model.RuleMeter:
			out = append(out, map[string]any{"type": "METER", "meter_id": a.MeterID})
		case model.RuleOutput:
			out = append(out, map[string]any{"type": "OUTPUT", "port": a.Port})
		case model.RuleSetField:
			out = append(out, map[string]any{"type": "SET_FIELD", "field": a.Field, "value": setFieldValue(a.Value)})
		}
	}
	return out
}

func setFieldValue(v string) any {
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return v
}

func (r *Ryu) post(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = r.do(req)
	return err
}

func (r *Ryu) do(req *http.Request) ([]byte, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		kind := errors.GetKind(err)
		if kind == errors.KindUnknown {
			kind = errors.KindUnavailable
		}
		return nil, errors.Wrapf(err, kind, "ryu %s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "read ryu response")
	}
	if resp.StatusCode >= 300 {
		kind := errors.KindUnavailable
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
			kind = errors.KindValidation
		}
		return nil, errors.Attr(errors.Errorf(kind, "ryu %s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body))), "status", resp.StatusCode)
	}
	return body, nil
}

func parseDPID(switchID string) (uint64, error) {
	base, digits := 10, switchID
	if strings.HasPrefix(switchID, "0x") {
		base, digits = 16, switchID[2:]
	}
	dpid, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		return 0, errors.Attr(errors.Errorf(errors.KindValidation, "invalid datapath id %q", switchID), "switch", switchID)
	}
	return dpid, nil
}

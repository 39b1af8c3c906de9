package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// CNI network defaults.
const (
	DefaultBridgeName = "simbr0"
	DefaultSubnet     = "10.169.0.0/24"
	DefaultGateway    = "10.169.0.1"

	cniNetworkName = "simproxy-fcnet"
	cniVersion     = "1.0.0"
	cniIfName      = "eth0"
	cniCacheDir    = "/var/lib/cni/cache"

	netnsRunDir = "/var/run/netns"
	netnsPrefix = "simproxy-"
)

var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

// vmNetwork is what a VM needs to attach to its CNI network.
type vmNetwork struct {
	TAPDevice     string
	MACAddress    string
	GuestIP       string
	GatewayIP     string
	NamespacePath string
}

// NetworkManager attaches VMs to a bridge network through CNI, one network
// namespace per VM.
type NetworkManager struct {
	binDir   string
	cni      *libcni.CNIConfig
	confList *libcni.NetworkConfigList
	logger   *slog.Logger

	mu         sync.Mutex
	namespaces map[string]string // vm id → namespace path
}

// NewNetworkManager builds the bridge plus tc-redirect-tap conflist for cfg.
func NewNetworkManager(cfg Config, logger *slog.Logger) (*NetworkManager, error) {
	data, err := confList(cfg.Subnet, cfg.Gateway)
	if err != nil {
		return nil, err
	}
	list, err := libcni.ConfListFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}
	return &NetworkManager{
		binDir:     cfg.CNIBinDir,
		cni:        libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, cniCacheDir, nil),
		confList:   list,
		logger:     logger,
		namespaces: make(map[string]string),
	}, nil
}

// Verify checks that the required CNI plugins are installed.
func (nm *NetworkManager) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		_, err := os.Stat(filepath.Join(nm.binDir, plugin))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, plugin)
		default:
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", nm.binDir, strings.Join(missing, ", "))
	}
	return nil
}

// Setup creates a namespace for vmID and runs CNI ADD in it.
func (nm *NetworkManager) Setup(ctx context.Context, vmID string) (*vmNetwork, error) {
	nsName := netnsPrefix + vmID
	nsPath := filepath.Join(netnsRunDir, nsName)

	if err := runIP("netns", "add", nsName); err != nil {
		return nil, err
	}
	nm.track(vmID, nsPath)

	rt := runtimeConf(vmID, nsPath)
	result, err := nm.cni.AddNetworkList(ctx, nm.confList, rt)
	if err != nil {
		nm.untrack(vmID)
		if nsErr := deleteNetNS(nsName); nsErr != nil {
			nm.logger.Warn("remove netns after CNI ADD failure", "vm", vmID, "error", nsErr)
		}
		return nil, fmt.Errorf("CNI ADD for %s: %w", vmID, err)
	}

	net, err := parseResult(result, nsPath)
	if err != nil {
		if delErr := nm.Teardown(ctx, vmID); delErr != nil {
			nm.logger.Debug("teardown after bad CNI result", "vm", vmID, "error", delErr)
		}
		return nil, fmt.Errorf("CNI result for %s: %w", vmID, err)
	}

	nm.logger.Info("vm network ready", "vm", vmID, "tap", net.TAPDevice, "guest_ip", net.GuestIP)
	return net, nil
}

// Teardown runs CNI DEL and removes the namespace. Unknown ids are a no-op.
func (nm *NetworkManager) Teardown(ctx context.Context, vmID string) error {
	nsPath, ok := nm.untrack(vmID)
	if !ok {
		return nil
	}

	var errs []error
	if err := nm.cni.DelNetworkList(ctx, nm.confList, runtimeConf(vmID, nsPath)); err != nil {
		errs = append(errs, fmt.Errorf("CNI DEL for %s: %w", vmID, err))
	}
	if err := deleteNetNS(netnsPrefix + vmID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TeardownAll releases every tracked namespace.
func (nm *NetworkManager) TeardownAll(ctx context.Context) {
	nm.mu.Lock()
	ids := make([]string, 0, len(nm.namespaces))
	for id := range nm.namespaces {
		ids = append(ids, id)
	}
	nm.mu.Unlock()

	for _, id := range ids {
		if err := nm.Teardown(ctx, id); err != nil {
			nm.logger.Error("network teardown", "vm", id, "error", err)
		}
	}
}

func (nm *NetworkManager) track(vmID, nsPath string) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.namespaces[vmID] = nsPath
}

func (nm *NetworkManager) untrack(vmID string) (string, bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nsPath, ok := nm.namespaces[vmID]
	delete(nm.namespaces, vmID)
	return nsPath, ok
}

func runtimeConf(vmID, nsPath string) *libcni.RuntimeConf {
	return &libcni.RuntimeConf{ContainerID: vmID, NetNS: nsPath, IfName: cniIfName}
}

type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

// confList returns a bridge + tc-redirect-tap conflist for subnet.
func confList(subnet, gateway string) ([]byte, error) {
	data, err := json.Marshal(confListJSON{
		CNIVersion: cniVersion,
		Name:       cniNetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    DefaultBridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  subnet,
					"gateway": gateway,
				},
			},
			{"type": "tc-redirect-tap"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

// parseResult picks the TAP device tc-redirect-tap created next to the veth
// and the first assigned address.
func parseResult(result types.Result, nsPath string) (*vmNetwork, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	net := &vmNetwork{NamespacePath: nsPath}
	var fallback *types100.Interface
	for _, iface := range res.Interfaces {
		if iface.Sandbox == "" {
			continue
		}
		if iface.Name != cniIfName {
			net.TAPDevice, net.MACAddress = iface.Name, iface.Mac
			break
		}
		if fallback == nil {
			fallback = iface
		}
	}
	if net.TAPDevice == "" && fallback != nil {
		net.TAPDevice, net.MACAddress = fallback.Name, fallback.Mac
	}
	if net.TAPDevice == "" {
		return nil, fmt.Errorf("no sandboxed interface in CNI result")
	}

	if len(res.IPs) == 0 {
		return nil, fmt.Errorf("no IP address in CNI result")
	}
	net.GuestIP = res.IPs[0].Address.String()
	if res.IPs[0].Gateway != nil {
		net.GatewayIP = res.IPs[0].Gateway.String()
	}
	return net, nil
}

func deleteNetNS(name string) error {
	if _, err := os.Stat(filepath.Join(netnsRunDir, name)); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return runIP("netns", "delete", name)
}

func runIP(args ...string) error {
	if args[0] == "netns" && args[1] == "add" {
		if err := os.MkdirAll(netnsRunDir, 0o755); err != nil {
			return fmt.Errorf("create netns dir: %w", err)
		}
	}
	out, err := exec.Command("ip", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}

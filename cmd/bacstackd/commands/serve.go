package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shigmas/bacstack/config"
	"github.com/shigmas/bacstack/internal/addrcache"
	"github.com/shigmas/bacstack/internal/apdu"
	"github.com/shigmas/bacstack/internal/npdu"
	"github.com/shigmas/bacstack/internal/object"
	"github.com/shigmas/bacstack/internal/services"
	"github.com/shigmas/bacstack/internal/tsm"
	"github.com/shigmas/bacstack/pkg/bacnet"
	"github.com/shigmas/bacstack/pkg/transport"
)

const addressCacheCapacity = 256

var (
	interfaceIP string
	netmaskBits uint16
	logLevel    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the BACnet/IP device daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&interfaceIP, "interface-ip", "", "IPv4 address to bind the BACnet/IP socket to (default: first non-loopback interface)")
	serveCmd.Flags().Uint16Var(&netmaskBits, "netmask", 24, "netmask (CIDR prefix length) of the BACnet/IP segment")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "logrus level: trace, debug, info, warn, error")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "bacstackd")

	ip, err := resolveInterfaceIP(interfaceIP)
	if err != nil {
		return fmt.Errorf("resolving bind address: %w", err)
	}

	dl, err := transport.NewBACnetIP(ip, netmaskBits, cfg.BIPPort, log.WithField("component", "bacnet-ip"))
	if err != nil {
		return fmt.Errorf("starting bacnet/ip datalink: %w", err)
	}
	defer dl.Close()

	device := object.NewDevice(cfg.DeviceInstance, cfg.DeviceName, cfg.VendorName, cfg.ModelName, cfg.FirmwareRevision, cfg.VendorIdentifier)
	cache := addrcache.New(addressCacheCapacity, nil)
	dispatcher := tsm.NewDispatcher()
	server := services.NewServer(device, device, cfg.DeviceInstance, cache, dl, cfg.ReinitializePassword, cfg.CommunicationPassword, log.WithField("component", "services"))
	server.Register(dispatcher)

	log.WithFields(logrus.Fields{
		"device_instance": cfg.DeviceInstance,
		"device_name":     cfg.DeviceName,
		"bind":            ip.String(),
		"port":            cfg.BIPPort,
	}).Info("bacstackd starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	runReceiveLoop(ctx, dl, dispatcher, server, log)
	log.Info("bacstackd stopped")
	return nil
}

// runReceiveLoop is the core protocol pump: decode an inbound NPDU,
// hand its APDU to the dispatcher, and send back whatever reply a
// confirmed request produced. Unconfirmed services and malformed
// frames never produce a reply.
func runReceiveLoop(ctx context.Context, dl transport.Datalink, dispatcher *tsm.Dispatcher, server *services.Server, log *logrus.Entry) {
	for {
		in, err := dl.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.WithError(err).Warn("datalink receive failed")
			continue
		}

		msg, err := npdu.Decode(in.NPDUData)
		if err != nil {
			log.WithError(err).Debug("dropping malformed npdu")
			continue
		}
		if msg.Control.IsNetworkLayerMessage || msg.APDU == nil {
			continue
		}

		switch req := msg.APDU.(type) {
		case *apdu.UnconfirmedMessage:
			dispatcher.DispatchUnconfirmed(in.Source, req)
		case *apdu.ConfirmedMessage:
			if !server.CommunicationEnabled() && req.ServiceID != apdu.ServiceConfirmedDeviceCommunicationControl {
				continue
			}
			reply := dispatcher.DispatchConfirmed(in.Source, req)
			sendReply(dl, in.Source, reply, log)
		}
	}
}

// resolveInterfaceIP returns explicit as a parsed IPv4 address, or the
// first non-loopback IPv4 address found on any interface if explicit
// is empty.
func resolveInterfaceIP(explicit string) (net.IP, error) {
	if explicit != "" {
		ip := net.ParseIP(explicit).To4()
		if ip == nil {
			return nil, fmt.Errorf("%q is not a valid IPv4 address", explicit)
		}
		return ip, nil
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("enumerating network interfaces: %w", err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("no non-loopback ipv4 interface found; pass --interface-ip explicitly")
}

// sendReply NPDU-encodes a confirmed-service reply and unicasts it
// back to the requester. A nil reply (a handler with nothing to say,
// which shouldn't happen for a registered confirmed service, but
// DispatchConfirmed's contract allows it) is silently skipped.
func sendReply(dl transport.Datalink, dest bacnet.Address, reply apdu.Message, log *logrus.Entry) {
	if reply == nil {
		return
	}
	n := &npdu.Message{Control: npdu.Control{Priority: npdu.PriorityNormal}, APDU: reply}
	npduBytes, err := n.Encode()
	if err != nil {
		log.WithError(err).Warn("failed to encode reply npdu")
		return
	}
	if _, err := dl.SendPDU(dest, npduBytes, false); err != nil {
		log.WithError(err).Warn("failed to send reply")
	}
}

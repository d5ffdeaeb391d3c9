package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/pkg/config"
)

// profileCmd prints the GATT surface and pairing policy the peripheral exposes.
var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show the advertised GATT service and security settings",
	Args:  cobra.NoArgs,
	RunE:  runProfile,
}

var (
	profileJSON    bool
	profileNoColor bool
)

func init() {
	profileCmd.Flags().BoolVar(&profileJSON, "json", false, "Output as JSON")
	profileCmd.Flags().BoolVar(&profileNoColor, "no-color", false, "Disable colored output")
}

type characteristicView struct {
	UUID       string   `json:"uuid"`
	Name       string   `json:"name"`
	Properties []string `json:"properties"`
}

type securityView struct {
	Bonding           bool   `json:"bonding"`
	MITM              bool   `json:"mitm"`
	SecureConnections bool   `json:"secure_connections"`
	IOCapability      string `json:"io_capability"`
	Passkey           string `json:"passkey"`
	ResolveRPA        bool   `json:"resolve_rpa"`
}

type profileView struct {
	DeviceName      string               `json:"device_name"`
	Service         string               `json:"service"`
	ServiceName     string               `json:"service_name"`
	Characteristics []characteristicView `json:"characteristics"`
	Security        securityView         `json:"security"`
}

func buildProfileView(cfg *config.Config) (profileView, error) {
	sec, err := cfg.Security()
	if err != nil {
		return profileView{}, err
	}

	p := peripheral.ECGProfile()
	v := profileView{
		DeviceName:  cfg.DeviceName,
		Service:     p.UUID.String(),
		ServiceName: p.Name,
		Security: securityView{
			Bonding:           sec.Bonding,
			MITM:              sec.MITM,
			SecureConnections: sec.SecureConnections,
			IOCapability:      sec.IOCap.String(),
			Passkey:           peripheral.FormatPasskey(sec.Passkey),
			ResolveRPA:        sec.ResolveRPA,
		},
	}
	for _, c := range p.Characteristics() {
		v.Characteristics = append(v.Characteristics, characteristicView{
			UUID:       c.UUID.String(),
			Name:       c.Name,
			Properties: strings.Split(c.Properties.String(), ","),
		})
	}
	return v, nil
}

func runProfile(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	v, err := buildProfileView(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if profileJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	writeProfileText(out, v, !profileNoColor && isTerminal(out))
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func writeProfileText(w io.Writer, v profileView, colored bool) {
	title := color.New(color.Bold)
	uuid := color.New(color.FgCyan)
	props := color.New(color.FgYellow)
	value := color.New(color.FgGreen)
	for _, c := range []*color.Color{title, uuid, props, value} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	fmt.Fprintf(w, "%s %s  advertised as %s\n", title.Sprint(v.ServiceName), uuid.Sprintf("(%s)", v.Service), value.Sprintf("%q", v.DeviceName))
	for _, c := range v.Characteristics {
		fmt.Fprintf(w, "  %s  %-8s %s\n", uuid.Sprint(c.UUID), c.Name, props.Sprint(strings.Join(c.Properties, ",")))
	}
	s := v.Security
	fmt.Fprintf(w, "%s bonding=%s mitm=%s sc=%s io=%s passkey=%s rpa=%s\n",
		title.Sprint("Security:"),
		onOff(s.Bonding), onOff(s.MITM), onOff(s.SecureConnections),
		s.IOCapability, value.Sprint(s.Passkey), onOff(s.ResolveRPA))
}

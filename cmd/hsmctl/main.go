// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Binary hsmctl is a small command-line front end for the pk11 package,
// aimed at exercising a particular HSM device or debugging the library
// itself, in the spirit of the teacher's src/pk11/tool REPL.
package main

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"flag"
	"fmt"
	"os"

	"github.com/miekg/pkcs11"

	"github.com/hsm11/device/src/pk11"
)

// kakPSSSaltLength matches the fixed salt length the CP5 protocol uses
// (spec §6): RSA-PSS-SHA256, MGF1/SHA-256, salt length 32.
const kakPSSSaltLength = 32

var (
	lib    = flag.String("lib", "", "path to a PKCS#11 plugin library")
	slotID = flag.Int("slot", -1, "slot ID to operate on")
	pin    = flag.String("pin", "", "user PIN to log in with, if the verb requires a session")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: hsmctl -lib <path> [-slot N] [-pin PIN] <verb> [args...]

verbs:
  slots                             list slots discovered on the library
  login <pin>                       log into -slot with the given PIN
  aliases                           list every addressable alias on -slot
  generate <alias> <bits>           generate an RSA key pair under alias
  gensecret <alias> <alg> <bits>    generate a symmetric key (alg: des|des2|des3|aes)
  sign <alias> <hex-data>           acquire alias's private key and sign hex-data
  chain <alias>                     print the PEM certificate chain stored under alias
  remove <alias>                   remove the key material addressed by alias
  security <alias>                 print security-relevant attributes for alias
  authorize-init <alias> <kak.pem> bind alias's private key to the KAK in kak.pem
  authorize <alias> <count> <kak.pem>
                                    authorize count further uses of alias's private key
`)
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if *lib == "" || flag.NArg() == 0 {
		usage()
	}

	dev, err := pk11.Open(*lib, pk11.Config{})
	if err != nil {
		fatalf("could not open library %q: %s", *lib, err)
	}
	defer dev.Close()

	verb := flag.Arg(0)
	args := flag.Args()[1:]

	if verb == "slots" {
		for _, s := range dev.Slots() {
			fmt.Printf("slot %d: %q\n", s.ID(), s.Label())
		}
		return
	}

	if *slotID < 0 {
		fatalf("verb %q requires -slot", verb)
	}
	s := dev.SlotByID(uint(*slotID))
	if s == nil {
		fatalf("no slot with ID %d", *slotID)
	}
	if *pin != "" {
		if err := s.Login(*pin); err != nil {
			fatalf("login failed: %s", err)
		}
		defer s.Logout()
	}

	switch verb {
	case "login":
		if len(args) != 1 {
			usage()
		}
		if err := s.Login(args[0]); err != nil {
			fatalf("login: %s", err)
		}
	case "aliases":
		cmdAliases(s)
	case "generate":
		cmdGenerate(s, args)
	case "gensecret":
		cmdGenSecret(s, args)
	case "remove":
		cmdRemove(s, args)
	case "security":
		cmdSecurity(s, args)
	case "sign":
		cmdSign(s, args)
	case "chain":
		cmdChain(s, args)
	case "authorize-init":
		cmdAuthorizeInit(s, args)
	case "authorize":
		cmdAuthorize(s, args)
	default:
		usage()
	}
}

func cmdAliases(s *pk11.Slot) {
	entries, err := s.Aliases()
	if err != nil {
		fatalf("aliases: %s", err)
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\n", e.Kind, e.Alias)
	}
}

func cmdGenerate(s *pk11.Slot, args []string) {
	if len(args) != 2 {
		usage()
	}
	alias := args[0]
	var bits uint
	if _, err := fmt.Sscanf(args[1], "%d", &bits); err != nil {
		fatalf("invalid bit length %q: %s", args[1], err)
	}

	pub, err := s.GenerateKeyPair(alias, bits, true, nil)
	if err != nil {
		fatalf("generate: %s", err)
	}
	rsaPub, err := pub.RSAPublicKey()
	if err != nil {
		fatalf("generate: could not read public key: %s", err)
	}
	der, err := x509.MarshalPKIXPublicKey(rsaPub)
	if err != nil {
		fatalf("generate: could not marshal public key: %s", err)
	}
	pem.Encode(os.Stdout, &pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func cmdGenSecret(s *pk11.Slot, args []string) {
	if len(args) != 3 {
		usage()
	}
	alias, algName := args[0], args[1]
	var bits uint
	if _, err := fmt.Sscanf(args[2], "%d", &bits); err != nil {
		fatalf("invalid bit length %q: %s", args[2], err)
	}

	var alg pk11.SymmetricAlgorithm
	switch algName {
	case "des":
		alg = pk11.AlgDES
	case "des2":
		alg = pk11.AlgDES2
	case "des3":
		alg = pk11.AlgDES3
	case "aes":
		alg = pk11.AlgAES
	default:
		fatalf("unknown algorithm %q", algName)
	}

	if _, err := s.GenerateKey(alias, alg, bits); err != nil {
		fatalf("gensecret: %s", err)
	}
	fmt.Printf("generated %s key %q (%d bits)\n", algName, alias, bits)
}

func cmdRemove(s *pk11.Slot, args []string) {
	if len(args) != 1 {
		usage()
	}
	if err := s.RemoveKey(args[0]); err != nil {
		fatalf("remove: %s", err)
	}
}

func cmdSecurity(s *pk11.Slot, args []string) {
	if len(args) != 1 {
		usage()
	}
	if err := s.SecurityInfo(args[0], os.Stdout); err != nil {
		fatalf("security: %s", err)
	}
}

// cmdSign acquires alias's private key for the lifetime of this one
// signature (a static-session key), signs hex-data under CKM_RSA_PKCS, and
// prints the hex-encoded signature, exercising the sign path of spec §8
// scenario 1.
func cmdSign(s *pk11.Slot, args []string) {
	if len(args) != 2 {
		usage()
	}
	alias := args[0]
	data, err := hex.DecodeString(args[1])
	if err != nil {
		fatalf("sign: invalid hex data: %s", err)
	}

	key, err := s.AcquirePrivateKey(alias)
	if err != nil {
		fatalf("sign: %s", err)
	}
	defer s.ReleasePrivateKey(key)

	sig, err := key.Sign(pkcs11.CKM_RSA_PKCS, data)
	if err != nil {
		fatalf("sign: %s", err)
	}
	fmt.Println(hex.EncodeToString(sig))
}

// cmdChain prints the PEM-encoded certificate chain stored under alias,
// leaf first, per spec §4.6 retrieve-chain.
func cmdChain(s *pk11.Slot, args []string) {
	if len(args) != 1 {
		usage()
	}
	chain, err := s.GetCertificateChain(args[0])
	if err != nil {
		fatalf("chain: %s", err)
	}
	for _, cert := range chain {
		der, err := cert.DER()
		if err != nil {
			fatalf("chain: %s", err)
		}
		pem.Encode(os.Stdout, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	}
}

// loadKAK reads a PEM-encoded PKCS#1 RSA private key, the key-authorization
// key a caller holds outside the HSM (spec §4.7/§9: the KAK's private
// component never passes through the pk11 package itself).
func loadKAK(path string) *rsa.PrivateKey {
	raw, err := os.ReadFile(path)
	if err != nil {
		fatalf("could not read KAK file %q: %s", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		fatalf("no PEM block found in %q", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		fatalf("could not parse KAK in %q: %s", path, err)
	}
	return key
}

// kakSignProvider builds a pk11.SignProvider that signs the HSM-returned
// hash with kak using RSA-PSS-SHA256, salt length 32, the fixed signature
// shape the CP5 protocol requires (spec §4.7).
func kakSignProvider(kak *rsa.PrivateKey) pk11.SignProvider {
	return func(hash []byte) ([]byte, error) {
		return rsa.SignPSS(rand.Reader, kak, crypto.SHA256, hash, &rsa.PSSOptions{
			SaltLength: kakPSSSaltLength,
			Hash:       crypto.SHA256,
		})
	}
}

func cmdAuthorizeInit(s *pk11.Slot, args []string) {
	if len(args) != 2 {
		usage()
	}
	alias, kakPath := args[0], args[1]
	kak := loadKAK(kakPath)
	if err := s.KeyAuthorizeInit(alias, &kak.PublicKey, kakSignProvider(kak)); err != nil {
		fatalf("authorize-init: %s", err)
	}
}

func cmdAuthorize(s *pk11.Slot, args []string) {
	if len(args) != 3 {
		usage()
	}
	alias := args[0]
	var count uint64
	if _, err := fmt.Sscanf(args[1], "%d", &count); err != nil {
		fatalf("invalid operation count %q: %s", args[1], err)
	}
	kak := loadKAK(args[2])
	if err := s.KeyAuthorize(alias, count, kakSignProvider(kak)); err != nil {
		fatalf("authorize: %s", err)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "hsmctl: "+format+"\n", args...)
	os.Exit(2)
}
